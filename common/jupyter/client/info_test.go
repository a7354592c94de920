package client_test

import (
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/scusemua/notebook-gateway/common/jupyter"
	"github.com/scusemua/notebook-gateway/common/jupyter/client"
)

type recordingFuture struct {
	mu   sync.Mutex
	errs []error
}

func (f *recordingFuture) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errs = append(f.errs, err)
}

func (f *recordingFuture) Errors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]error(nil), f.errs...)
}

var _ = Describe("KernelInfo", func() {
	var info *client.KernelInfo

	BeforeEach(func() {
		info = client.NewKernelInfo("python3", -1, nil)
		info.SetID("kernel-1")
	})

	It("Will start idle with the default retry bound", func() {
		Expect(info.State()).To(Equal(jupyter.KernelStateIdle))
		Expect(info.MaxRetries()).To(Equal(client.DefaultMaxRetries))
		Expect(info.Err()).To(BeNil())
	})

	It("Will retain at most the configured number of log entries", func() {
		for i := 0; i < client.MaxKernelLogEntries+50; i++ {
			info.Log("entry %d", i)
		}

		messages := info.LogMessages()
		Expect(messages).To(HaveLen(client.MaxKernelLogEntries))
		Expect(messages[0]).To(HaveSuffix(" - kernel-1 - entry 50"))
		Expect(messages[len(messages)-1]).To(HaveSuffix(fmt.Sprintf(" - kernel-1 - entry %d", client.MaxKernelLogEntries+49)))
	})

	It("Will fail every pending future when entering the error state", func() {
		first, second := &recordingFuture{}, &recordingFuture{}
		info.SetState(jupyter.KernelStateRunning, nil)
		info.RegisterPending("a", first)
		info.RegisterPending("b", second)
		Expect(info.NumPending()).To(Equal(2))

		cause := errors.New("connection refused")
		info.SetState(jupyter.KernelStateError, cause)

		Expect(info.State()).To(Equal(jupyter.KernelStateError))
		Expect(info.Err()).To(MatchError(cause))
		Expect(info.NumPending()).To(Equal(0))
		Expect(first.Errors()).To(ConsistOf(MatchError(cause)))
		Expect(second.Errors()).To(ConsistOf(MatchError(cause)))
	})

	It("Will force the error state when an error is recorded", func() {
		info.SetState(jupyter.KernelStateConnecting, errors.New("boom"))
		Expect(info.State()).To(Equal(jupyter.KernelStateError))
	})

	It("Will fail pending futures with ErrKernelClosed on close", func() {
		future := &recordingFuture{}
		info.SetState(jupyter.KernelStateRunning, nil)
		info.RegisterPending("a", future)

		info.SetState(jupyter.KernelStateClosed, nil)
		Expect(future.Errors()).To(HaveLen(1))
		Expect(errors.Is(future.Errors()[0], jupyter.ErrKernelClosed)).To(BeTrue())
	})

	It("Will fail a future registered on a terminal kernel immediately", func() {
		cause := errors.New("gone")
		info.SetState(jupyter.KernelStateError, cause)

		future := &recordingFuture{}
		info.RegisterPending("late", future)
		Expect(future.Errors()).To(ConsistOf(MatchError(cause)))
		Expect(info.NumPending()).To(Equal(0))
	})

	It("Will not fail deregistered futures", func() {
		future := &recordingFuture{}
		info.SetState(jupyter.KernelStateRunning, nil)
		info.RegisterPending("a", future)
		info.DeregisterPending("a")

		info.SetState(jupyter.KernelStateError, errors.New("boom"))
		Expect(future.Errors()).To(BeEmpty())
	})

	It("Will fail pending futures without changing state", func() {
		future := &recordingFuture{}
		info.SetState(jupyter.KernelStateRunning, nil)
		info.RegisterPending("a", future)

		info.FailPending(jupyter.ErrKernelLost)
		Expect(info.State()).To(Equal(jupyter.KernelStateRunning))
		Expect(future.Errors()).To(ConsistOf(MatchError(jupyter.ErrKernelLost)))
	})

	It("Will count consecutive retries until reset", func() {
		Expect(info.IncrementRetries()).To(Equal(1))
		Expect(info.IncrementRetries()).To(Equal(2))
		Expect(info.RetryCount()).To(Equal(2))

		info.ResetRetries()
		Expect(info.RetryCount()).To(Equal(0))
	})

	It("Will notify the observer of state changes only", func() {
		var transitions []string
		observed := client.NewKernelInfo("ir", 3, func(_ *client.KernelInfo, from jupyter.KernelState, to jupyter.KernelState) {
			transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
		})

		observed.SetState(jupyter.KernelStateStarting, nil)
		observed.SetState(jupyter.KernelStateStarting, nil)
		observed.SetState(jupyter.KernelStateConnecting, nil)
		observed.SetState(jupyter.KernelStateRunning, nil)

		Expect(transitions).To(Equal([]string{"idle->starting", "starting->connecting", "connecting->running"}))
		Expect(observed.MaxRetries()).To(Equal(3))
	})

	It("Will produce a snapshot of its status", func() {
		info.SetState(jupyter.KernelStateStarting, nil)
		info.SetState(jupyter.KernelStateError, errors.New("no route to host"))

		snapshot := info.Snapshot()
		Expect(snapshot.Status).To(Equal("error"))
		Expect(snapshot.Error).To(Equal("no route to host"))
		Expect(snapshot.LogMessages).To(HaveLen(2))
		Expect(snapshot.LogMessages[1]).To(ContainSubstring("state starting -> error"))
	})
})
