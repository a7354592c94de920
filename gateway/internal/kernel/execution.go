package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/promise"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
)

// ResultExtractor turns the messages accumulated for an execution into its result.
// It is called once, when the kernel reports that it is idle again.
type ResultExtractor func(accumulator []*messaging.Message) (interface{}, error)

// DefaultResultExtractor serializes the accumulated messages as a JSON array. Header dates are
// rewritten as UTC timestamps with a trailing "Z".
func DefaultResultExtractor(accumulator []*messaging.Message) (interface{}, error) {
	messages := make([]messaging.Message, 0, len(accumulator))
	for _, msg := range accumulator {
		clone := *msg
		clone.Header.Date = messaging.NormalizeDate(clone.Header.Date)
		clone.ParentHeader.Date = messaging.NormalizeDate(clone.ParentHeader.Date)
		messages = append(messages, clone)
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize execution result")
	}

	return string(payload), nil
}

// StreamResultExtractor returns the text of every stream message, in order.
func StreamResultExtractor(accumulator []*messaging.Message) (interface{}, error) {
	texts := make([]string, 0, len(accumulator))
	for _, msg := range accumulator {
		if msg.MsgType() != messaging.IOStreamMessage {
			continue
		}

		var stream messaging.MessageStream
		if err := msg.DecodeContent(&stream); err != nil {
			continue
		}
		texts = append(texts, stream.Text)
	}

	return texts, nil
}

// Execution is a piece of code submitted to a kernel whose outcome is not yet known.
//
// Messages answering the request are accumulated in arrival order. The execution completes
// exactly once: with the extracted result when the kernel goes idle, with an *ExecutionError
// when the kernel reports an error, or with the error passed to Fail. The accumulator is only
// kept when the execution succeeds.
type Execution struct {
	RequestID  string
	Code       string
	KernelName string

	submittedAt time.Time
	extractor   ResultExtractor

	mu          sync.Mutex
	accumulator []*messaging.Message
	completed   bool

	promise *promise.ChannelPromise
	done    chan struct{}

	// onComplete is called once, after the execution completes.
	onComplete func(exec *Execution, err error)
}

func newExecution(requestID string, code string, kernelName string, extractor ResultExtractor,
	onComplete func(*Execution, error)) *Execution {

	if extractor == nil {
		extractor = DefaultResultExtractor
	}

	return &Execution{
		RequestID:   requestID,
		Code:        code,
		KernelName:  kernelName,
		submittedAt: time.Now(),
		extractor:   extractor,
		promise:     promise.NewChannelPromise(),
		done:        make(chan struct{}),
		onComplete:  onComplete,
	}
}

// Done is closed when the execution completes.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

func (e *Execution) IsDone() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the execution completes or ctx is done. Cancelling ctx abandons the wait
// but does not interrupt the kernel. The execution stays pending until the client's lock is
// released, at which point it fails with ErrExecutionAbandoned.
func (e *Execution) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-e.done:
		return e.promise.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accumulated returns the messages received so far.
func (e *Execution) Accumulated() []*messaging.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	accumulated := make([]*messaging.Message, len(e.accumulator))
	copy(accumulated, e.accumulator)
	return accumulated
}

// Fail completes the execution with err, discarding anything accumulated.
func (e *Execution) Fail(err error) {
	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		return
	}
	e.completed = true
	e.accumulator = nil
	e.mu.Unlock()

	e.complete(nil, err)
}

// handle appends msg, which must answer this execution, and completes the execution if msg is
// terminal. It returns true if the execution completed.
func (e *Execution) handle(msg *messaging.Message) bool {
	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		return false
	}

	if msg.Channel == "" {
		msg.Channel = messaging.IOPubChannel
	}
	e.accumulator = append(e.accumulator, msg)

	var (
		result interface{}
		err    error
	)
	switch {
	case msg.MsgType() == messaging.IOErrorMessage:
		var content messaging.MessageError
		if decodeErr := msg.DecodeContent(&content); decodeErr != nil {
			content.ErrName = "InvalidErrorMessage"
			content.ErrValue = decodeErr.Error()
		}
		err = newExecutionError(&content, e.Code)
		e.accumulator = nil
	case isIdle(msg):
		result, err = e.extractor(e.accumulator)
	default:
		e.mu.Unlock()
		return false
	}

	e.completed = true
	e.mu.Unlock()

	e.complete(result, err)
	return true
}

func (e *Execution) complete(result interface{}, err error) {
	_, _ = e.promise.Resolve(result, err)
	close(e.done)

	if e.onComplete != nil {
		e.onComplete(e, err)
	}
}

func isIdle(msg *messaging.Message) bool {
	state, ok := msg.ExecutionState()
	return ok && state == messaging.MessageKernelStatusIdle
}
