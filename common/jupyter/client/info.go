package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/notebook-gateway/common/jupyter"
	"github.com/scusemua/notebook-gateway/common/queue"
	"github.com/scusemua/notebook-gateway/common/utils"
)

const (
	// MaxKernelLogEntries is the number of log entries retained per kernel.
	MaxKernelLogEntries = 200

	// DefaultMaxRetries is the number of consecutive connection failures tolerated before a kernel is
	// moved to the error state.
	DefaultMaxRetries = 5

	kernelLogTimeFormat = time.RFC3339
)

// PendingFuture is an in-flight execution that must be failed if its kernel is lost.
type PendingFuture interface {
	Fail(err error)
}

// StateObserver is notified of every kernel state transition.
type StateObserver func(info *KernelInfo, from jupyter.KernelState, to jupyter.KernelState)

// ExecutionState is a point-in-time view of a kernel for status displays.
type ExecutionState struct {
	Status      string   `json:"status"`
	Error       string   `json:"error,omitempty"`
	LogMessages []string `json:"log_messages"`
}

// KernelInfo is the mutable status record of a single kernel.
//
// It is written by the owning transport and read by the pool and by status handlers.
// All methods are safe for concurrent use.
type KernelInfo struct {
	mu sync.RWMutex

	id    string
	name  string
	state jupyter.KernelState
	err   error

	messages *queue.Fifo[string]
	pending  map[string]PendingFuture

	retryCount int
	maxRetries int

	observer StateObserver

	log logger.Logger
}

func NewKernelInfo(name string, maxRetries int, observer StateObserver) *KernelInfo {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	info := &KernelInfo{
		name:       name,
		state:      jupyter.KernelStateIdle,
		messages:   queue.NewBoundedFifo[string](MaxKernelLogEntries),
		pending:    make(map[string]PendingFuture),
		maxRetries: maxRetries,
		observer:   observer,
	}
	config.InitLogger(&info.log, info)

	return info
}

func (info *KernelInfo) ID() string {
	info.mu.RLock()
	defer info.mu.RUnlock()

	return info.id
}

func (info *KernelInfo) SetID(id string) {
	info.mu.Lock()
	defer info.mu.Unlock()

	info.id = id
}

func (info *KernelInfo) Name() string {
	info.mu.RLock()
	defer info.mu.RUnlock()

	return info.name
}

func (info *KernelInfo) State() jupyter.KernelState {
	info.mu.RLock()
	defer info.mu.RUnlock()

	return info.state
}

// Err returns the last error recorded for the kernel, if any.
func (info *KernelInfo) Err() error {
	info.mu.RLock()
	defer info.mu.RUnlock()

	return info.err
}

// SetState records a state transition. A non-nil err forces the error state.
//
// Entering the error or closed state fails every pending future with err
// (or jupyter.ErrKernelClosed when err is nil).
func (info *KernelInfo) SetState(state jupyter.KernelState, err error) {
	if err != nil {
		state = jupyter.KernelStateError
	}

	info.mu.Lock()
	from := info.state
	info.state = state
	info.err = err
	info.appendLocked(fmt.Sprintf("state %s -> %s", from, state))
	observer := info.observer

	var pending map[string]PendingFuture
	if state.IsTerminal() {
		pending = info.pending
		info.pending = make(map[string]PendingFuture)
	}
	info.mu.Unlock()

	if err != nil {
		info.log.Warn("Kernel %s (%s): %s -> %s: %v", info.ID(), info.Name(),
			utils.RenderState(from.String()), utils.RenderState(state.String()), err)
	} else {
		info.log.Debug("Kernel %s (%s): %s -> %s", info.ID(), info.Name(),
			utils.RenderState(from.String()), utils.RenderState(state.String()))
	}

	if observer != nil && from != state {
		observer(info, from, state)
	}

	if len(pending) > 0 {
		failErr := err
		if failErr == nil {
			failErr = jupyter.ErrKernelClosed
		}
		failAll(pending, failErr)
	}
}

// Log records a message in the kernel's bounded log.
func (info *KernelInfo) Log(format string, args ...interface{}) {
	info.mu.Lock()
	defer info.mu.Unlock()

	info.appendLocked(fmt.Sprintf(format, args...))
}

func (info *KernelInfo) appendLocked(msg string) {
	info.messages.Enqueue(fmt.Sprintf("%s - %s - %s", time.Now().Format(kernelLogTimeFormat), info.id, msg))
}

// LogMessages returns the retained log entries, oldest first.
func (info *KernelInfo) LogMessages() []string {
	info.mu.RLock()
	defer info.mu.RUnlock()

	return info.messages.Items()
}

// RegisterPending tracks an in-flight execution. If the kernel is already in a terminal state
// the future is failed immediately.
func (info *KernelInfo) RegisterPending(requestID string, future PendingFuture) {
	info.mu.Lock()
	if info.state.IsTerminal() {
		err := info.err
		info.mu.Unlock()

		if err == nil {
			err = jupyter.ErrKernelClosed
		}
		future.Fail(err)
		return
	}

	info.pending[requestID] = future
	info.mu.Unlock()
}

func (info *KernelInfo) DeregisterPending(requestID string) {
	info.mu.Lock()
	defer info.mu.Unlock()

	delete(info.pending, requestID)
}

func (info *KernelInfo) NumPending() int {
	info.mu.RLock()
	defer info.mu.RUnlock()

	return len(info.pending)
}

// FailPending fails and forgets every pending future without changing the kernel state.
func (info *KernelInfo) FailPending(err error) {
	info.mu.Lock()
	pending := info.pending
	info.pending = make(map[string]PendingFuture)
	info.mu.Unlock()

	failAll(pending, err)
}

// IncrementRetries records a consecutive failure and returns the new count.
func (info *KernelInfo) IncrementRetries() int {
	info.mu.Lock()
	defer info.mu.Unlock()

	info.retryCount++
	return info.retryCount
}

func (info *KernelInfo) ResetRetries() {
	info.mu.Lock()
	defer info.mu.Unlock()

	info.retryCount = 0
}

func (info *KernelInfo) RetryCount() int {
	info.mu.RLock()
	defer info.mu.RUnlock()

	return info.retryCount
}

func (info *KernelInfo) MaxRetries() int {
	return info.maxRetries
}

// Snapshot returns the kernel's current status, last error and log.
func (info *KernelInfo) Snapshot() ExecutionState {
	info.mu.RLock()
	defer info.mu.RUnlock()

	state := ExecutionState{
		Status:      info.state.String(),
		LogMessages: info.messages.Items(),
	}
	if info.err != nil {
		state.Error = info.err.Error()
	}

	return state
}

func (info *KernelInfo) String() string {
	return fmt.Sprintf("KernelInfo[id=%s, name=%s, state=%s]", info.ID(), info.Name(), info.State())
}

func failAll(pending map[string]PendingFuture, err error) {
	for _, future := range pending {
		future.Fail(err)
	}
}
