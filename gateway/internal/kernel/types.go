package kernel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
)

var (
	ErrClientNotStarted   = errors.New("managed client has not been started")
	ErrPoolClosed         = errors.New("managed client pool is closed")
	ErrExecutionAbandoned = errors.New("execution abandoned before the kernel completed it")
)

// MetricsProvider receives the measurements taken by ManagedClients and the pool.
type MetricsProvider interface {
	ObserveExecution(kernelName string, outcome string, latency time.Duration) error
	IncrementOrphanMessages(kernelName string) error
	SetManagedClients(n int) error
}

// ExecutionError is returned when a kernel reports an error while running code.
type ExecutionError struct {
	Name  string `json:"ename"`
	Value string `json:"evalue"`

	// Trace is the traceback with terminal escape sequences removed.
	Trace string `json:"traceback"`

	// Code is the code that was submitted, including any prepended code.
	Code string `json:"code"`
}

func newExecutionError(content *messaging.MessageError, code string) *ExecutionError {
	return &ExecutionError{
		Name:  content.ErrName,
		Value: content.ErrValue,
		Trace: messaging.SanitizeTraceback(content.Traceback),
		Code:  code,
	}
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("Code execution Error %s: %s \nTraceback: %s\nRunning code: %s", e.Name, e.Value, e.Trace, e.Code)
}

// DependencyInfo describes how to install a module an application depends on.
type DependencyInfo struct {
	// Install is the pip requirement to install. The module name is used if it is empty.
	Install string `json:"install,omitempty"`
	Version string `json:"version,omitempty"`
}

func (info DependencyInfo) String() string {
	m, err := json.Marshal(info)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// AppDefinition is the part of a published application that concerns the kernel running it.
type AppDefinition struct {
	Name string `json:"name"`

	// PrefKernel is the kernel flavor the application prefers. Empty means no preference.
	PrefKernel string `json:"pref_kernel,omitempty"`

	// Deps maps module names to their install information.
	Deps map[string]DependencyInfo `json:"deps,omitempty"`
}

// PreferredKernel returns the trimmed preferred flavor, or the empty string if there is none.
func (app *AppDefinition) PreferredKernel() string {
	if app == nil {
		return ""
	}

	return strings.TrimSpace(app.PrefKernel)
}

// DependencyNames returns the names of the application's dependencies in sorted order.
func (app *AppDefinition) DependencyNames() []string {
	if app == nil {
		return nil
	}

	names := make([]string, 0, len(app.Deps))
	for name := range app.Deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// LogSink collects human-readable progress messages for the caller of a long-running operation.
type LogSink interface {
	Append(msg string)
}

// LogMessages is a LogSink that keeps every message in memory. It is safe for concurrent use.
type LogMessages struct {
	mu       sync.Mutex
	messages []string
}

func (l *LogMessages) Append(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = append(l.messages, msg)
}

func (l *LogMessages) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	messages := make([]string, len(l.messages))
	copy(messages, l.messages)
	return messages
}

type discardSink struct{}

func (discardSink) Append(string) {}

// moduleKey normalises a module name so that names differing only in case, hyphens or
// underscores compare equal.
func moduleKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}
