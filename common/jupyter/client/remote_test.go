package client_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/scusemua/notebook-gateway/common/jupyter"
	"github.com/scusemua/notebook-gateway/common/jupyter/client"
	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
	"github.com/scusemua/notebook-gateway/common/store"
	"github.com/scusemua/notebook-gateway/testing/fake_gateway"
)

const (
	testRetryDelay = 20 * time.Millisecond
)

// messageCollector records the messages delivered to a MessageHandler.
type messageCollector struct {
	mu       sync.Mutex
	messages []*messaging.Message
}

func (c *messageCollector) Handle(msg *messaging.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, msg)
}

// Answering returns the types of the messages answering requestID, in delivery order.
// If channels are given, only messages on those channels are included.
func (c *messageCollector) Answering(requestID string, channels ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var types []string
	for _, msg := range c.messages {
		if msg.ParentMsgID() != requestID {
			continue
		}

		if len(channels) > 0 && !slices.Contains(channels, msg.Channel) {
			continue
		}

		if state, ok := msg.ExecutionState(); ok {
			types = append(types, fmt.Sprintf("status:%s", state))
		} else {
			types = append(types, msg.MsgType().String())
		}
	}
	return types
}

func (c *messageCollector) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	types := make([]string, 0, len(c.messages))
	for _, msg := range c.messages {
		types = append(types, msg.MsgType().String())
	}
	return types
}

func (c *messageCollector) Result(requestID string) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, msg := range c.messages {
		if msg.ParentMsgID() == requestID && msg.MsgType() == messaging.IOExecuteResultMessage {
			return msg.Content["data"].(map[string]interface{})["text/plain"]
		}
	}
	return nil
}

// transitionRecorder records kernel state transitions as "from->to".
type transitionRecorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *transitionRecorder) Observe(_ *client.KernelInfo, from jupyter.KernelState, to jupyter.KernelState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transitions = append(r.transitions, fmt.Sprintf("%s->%s", from, to))
}

func (r *transitionRecorder) Transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.transitions...)
}

var _ = Describe("RemoteTransport", func() {
	var (
		gateway   *fake_gateway.Gateway
		ledger    *store.MemoryLedger
		recorder  *transitionRecorder
		collector *messageCollector
		opts      client.RemoteTransportOptions
		transport *client.RemoteTransport
		ctx       context.Context
		cancel    context.CancelFunc
	)

	newTransport := func() *client.RemoteTransport {
		api, err := client.NewGatewayClient(client.GatewayConfig{URL: gateway.URL()}, nil)
		Expect(err).To(BeNil())

		return client.NewRemoteTransport(opts, api, ledger)
	}

	BeforeEach(func() {
		gateway = fake_gateway.NewGateway()
		ledger = store.NewMemoryLedger()
		recorder = &transitionRecorder{}
		collector = &messageCollector{}
		opts = client.RemoteTransportOptions{
			RetryDelay:    testRetryDelay,
			EnvPrefix:     client.DefaultEnvPrefix,
			EnvWhitelist:  []string{},
			StateObserver: recorder.Observe,
			Environ:       func() []string { return nil },
		}
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	})

	AfterEach(func() {
		if transport != nil {
			_ = transport.Close()
			transport = nil
		}
		cancel()
		gateway.Close()
	})

	startRunning := func() *client.KernelHandle {
		transport = newTransport()
		Expect(transport.Initialize(ctx)).To(Succeed())

		handle, err := transport.Start(ctx, "python3", collector.Handle)
		Expect(err).To(BeNil())
		Expect(transport.WaitReady(ctx, handle)).To(Succeed())
		return handle
	}

	It("Will refuse to start kernels before it is initialized", func() {
		transport = newTransport()

		handle, err := transport.Start(ctx, "python3", nil)
		Expect(handle).To(BeNil())
		Expect(errors.Is(err, jupyter.ErrTransportNotInitialized)).To(BeTrue())
	})

	It("Will create and connect to a kernel", func() {
		handle := startRunning()

		kernelID := transport.GetKernelID(handle)
		Expect(kernelID).ToNot(BeEmpty())
		Expect(transport.GetName(handle)).To(Equal("python3"))
		Expect(transport.KernelInfo(handle).State()).To(Equal(jupyter.KernelStateRunning))
		Expect(gateway.HasKernel(kernelID)).To(BeTrue())
		Expect(recorder.Transitions()).To(Equal([]string{"idle->starting", "starting->connecting", "connecting->running"}))

		recorded, err := ledger.List(ctx)
		Expect(err).To(BeNil())
		Expect(recorded).To(HaveKeyWithValue(kernelID, "python3"))
	})

	It("Will execute code and deliver the correlated messages in order", func() {
		handle := startRunning()

		requestID, err := transport.Execute(ctx, handle, "1+1", client.DefaultExecuteOptions())
		Expect(err).To(BeNil())
		Expect(requestID).ToNot(BeEmpty())

		Eventually(func() []string { return collector.Answering(requestID) }, "5s").Should(ContainElement("status:idle"))
		Expect(collector.Answering(requestID)).To(Equal([]string{"status:busy", "execute_result", "execute_reply", "status:idle"}))
		Expect(collector.Result(requestID)).To(Equal("2"))
	})

	It("Will forward the prefixed and whitelisted environment to new kernels", func() {
		opts.Environ = func() []string {
			return []string{"KERNEL_USERNAME=alice", "HOME=/root", "EXTRA=1"}
		}
		opts.EnvWhitelist = []string{"EXTRA"}

		startRunning()

		Expect(gateway.Environments()).To(HaveLen(1))
		Expect(gateway.Environments()[0]).To(Equal(map[string]string{"KERNEL_USERNAME": "alice", "EXTRA": "1"}))
	})

	It("Will fail execution requests while the kernel is not running", func() {
		gateway.FailCreates(100)
		transport = newTransport()
		Expect(transport.Initialize(ctx)).To(Succeed())

		handle, err := transport.Start(ctx, "python3", nil)
		Expect(err).To(BeNil())

		_, err = transport.Execute(ctx, handle, "1+1", client.DefaultExecuteOptions())
		Expect(errors.Is(err, jupyter.ErrKernelNotAvailable)).To(BeTrue())
	})

	It("Will retry failed creations until the kernel is running", func() {
		gateway.FailCreates(2)
		handle := startRunning()

		Expect(gateway.CreateCalls.Load()).To(Equal(int32(3)))
		Expect(transport.KernelInfo(handle).RetryCount()).To(Equal(0))
	})

	It("Will retry failed connections without recreating the kernel", func() {
		gateway.FailChannels(2)
		handle := startRunning()

		Expect(gateway.CreateCalls.Load()).To(Equal(int32(1)))
		Expect(gateway.ChannelCalls.Load()).To(Equal(int32(3)))
		Expect(transport.KernelInfo(handle).State()).To(Equal(jupyter.KernelStateRunning))
		Expect(recorder.Transitions()).To(ContainElement("connecting->running"))
	})

	It("Will give up after the maximum number of retries and fail pending executions", func() {
		gateway.FailCreates(100)
		transport = newTransport()
		Expect(transport.Initialize(ctx)).To(Succeed())

		handle, err := transport.Start(ctx, "python3", nil)
		Expect(err).To(BeNil())

		future := &recordingFuture{}
		transport.KernelInfo(handle).RegisterPending("pending", future)

		err = transport.WaitReady(ctx, handle)
		Expect(errors.Is(err, jupyter.ErrRetriesExhausted)).To(BeTrue())

		info := transport.KernelInfo(handle)
		Expect(info.State()).To(Equal(jupyter.KernelStateError))
		Expect(errors.Is(info.Err(), jupyter.ErrRetriesExhausted)).To(BeTrue())
		Expect(gateway.CreateCalls.Load()).To(Equal(int32(client.DefaultMaxRetries + 1)))
		Consistently(gateway.CreateCalls.Load, 5*testRetryDelay).Should(Equal(int32(client.DefaultMaxRetries + 1)))

		Expect(future.Errors()).To(HaveLen(1))
		Expect(errors.Is(future.Errors()[0], jupyter.ErrRetriesExhausted)).To(BeTrue())
	})

	It("Will reconnect when the kernel reports a dead status", func() {
		handle := startRunning()
		kernelID := transport.GetKernelID(handle)

		gateway.PublishDead(kernelID)

		Eventually(recorder.Transitions, "5s").Should(ContainElement("running->connecting"))
		Eventually(transport.KernelInfo(handle).State, "5s").Should(Equal(jupyter.KernelStateRunning))
		Expect(transport.GetKernelID(handle)).To(Equal(kernelID))
		Expect(gateway.CreateCalls.Load()).To(Equal(int32(1)))
		Expect(transport.KernelInfo(handle).RetryCount()).To(Equal(0))
	})

	It("Will reconnect when the channel is lost", func() {
		handle := startRunning()
		kernelID := transport.GetKernelID(handle)

		gateway.DropChannels(kernelID)

		Eventually(gateway.ChannelCalls.Load, "5s").Should(BeNumerically(">=", 2))
		Eventually(transport.KernelInfo(handle).State, "5s").Should(Equal(jupyter.KernelStateRunning))
		Eventually(func() int { return gateway.NumConnections(kernelID) }, "5s").Should(Equal(1))
		Expect(transport.GetKernelID(handle)).To(Equal(kernelID))
	})

	It("Will give up reconnecting a running kernel after the maximum number of retries", func() {
		handle := startRunning()
		kernelID := transport.GetKernelID(handle)
		info := transport.KernelInfo(handle)

		future := &recordingFuture{}
		info.RegisterPending("pending", future)

		gateway.FailChannels(100)
		gateway.DropChannels(kernelID)

		Eventually(info.State, "5s").Should(Equal(jupyter.KernelStateError))
		Expect(errors.Is(info.Err(), jupyter.ErrRetriesExhausted)).To(BeTrue())
		Expect(gateway.ChannelCalls.Load()).To(Equal(int32(1 + client.DefaultMaxRetries)))
		Consistently(gateway.ChannelCalls.Load, 5*testRetryDelay).Should(Equal(int32(1 + client.DefaultMaxRetries)))
		Expect(gateway.CreateCalls.Load()).To(Equal(int32(1)))

		Expect(future.Errors()).To(HaveLen(1))
		Expect(errors.Is(future.Errors()[0], jupyter.ErrRetriesExhausted)).To(BeTrue())
	})

	It("Will not install a channel that was lost while connecting", func() {
		handle := startRunning()
		info := transport.KernelInfo(handle)
		info.IncrementRetries()

		installed, err := client.InstallLostChannel(transport, handle)
		Expect(err).To(BeNil())
		Expect(installed).To(BeFalse())
		Expect(info.RetryCount()).To(Equal(1))

		requestID, err := transport.Execute(ctx, handle, "1+1", client.DefaultExecuteOptions())
		Expect(err).To(BeNil())
		Eventually(func() []string { return collector.Answering(requestID) }, "5s").Should(ContainElement("status:idle"))
	})

	It("Will recreate a kernel the gateway no longer knows about", func() {
		handle := startRunning()
		kernelID := transport.GetKernelID(handle)

		future := &recordingFuture{}
		transport.KernelInfo(handle).RegisterPending("pending", future)

		gateway.DropChannels(kernelID)
		gateway.RemoveKernel(kernelID)

		Eventually(func() string { return transport.GetKernelID(handle) }, "5s").ShouldNot(Equal(kernelID))
		Eventually(transport.KernelInfo(handle).State, "5s").Should(Equal(jupyter.KernelStateRunning))
		Expect(gateway.CreateCalls.Load()).To(Equal(int32(2)))

		Expect(future.Errors()).To(HaveLen(1))
		Expect(errors.Is(future.Errors()[0], jupyter.ErrKernelLost)).To(BeTrue())

		recorded, err := ledger.List(ctx)
		Expect(err).To(BeNil())
		Expect(recorded).ToNot(HaveKey(kernelID))
		Expect(recorded).To(HaveKey(transport.GetKernelID(handle)))
	})

	It("Will not reconnect after a shutdown", func() {
		handle := startRunning()
		kernelID := transport.GetKernelID(handle)

		Expect(transport.Shutdown(ctx, handle)).To(Succeed())

		Expect(transport.KernelInfo(handle).State()).To(Equal(jupyter.KernelStateClosed))
		Expect(gateway.HasKernel(kernelID)).To(BeFalse())
		Expect(gateway.DeleteCalls.Load()).To(Equal(int32(1)))
		Consistently(gateway.ChannelCalls.Load, 5*testRetryDelay).Should(Equal(int32(1)))

		recorded, err := ledger.List(ctx)
		Expect(err).To(BeNil())
		Expect(recorded).To(BeEmpty())

		_, err = transport.Execute(ctx, handle, "1+1", client.DefaultExecuteOptions())
		Expect(errors.Is(err, jupyter.ErrKernelClosed)).To(BeTrue())
	})

	It("Will list the gateway's kernelspecs", func() {
		handle := startRunning()

		flavors, err := transport.ListFlavors(ctx)
		Expect(err).To(BeNil())
		Expect(flavors).To(HaveKey("python3"))
		Expect(flavors).To(HaveKey("ir"))

		spec, err := transport.GetSpec(ctx, handle)
		Expect(err).To(BeNil())
		Expect(spec.Spec.Language).To(Equal("python"))
	})

	Context("Cleaning up a previous session", func() {
		BeforeEach(func() {
			gateway.AddKernel("stale", "python3")
			gateway.AddKernel("foreign", "python3")
			Expect(ledger.Record(context.Background(), "stale", "python3")).To(Succeed())
		})

		It("Will delete the kernels recorded in the ledger", func() {
			transport = newTransport()
			Expect(transport.Initialize(ctx)).To(Succeed())

			Expect(gateway.HasKernel("stale")).To(BeFalse())
			Expect(gateway.HasKernel("foreign")).To(BeTrue())

			recorded, err := ledger.List(ctx)
			Expect(err).To(BeNil())
			Expect(recorded).To(BeEmpty())
		})

		It("Will delete every kernel when asked to", func() {
			opts.CleanupAllKernels = true
			transport = newTransport()
			Expect(transport.Initialize(ctx)).To(Succeed())

			Expect(gateway.KernelIDs()).To(BeEmpty())
		})
	})
})
