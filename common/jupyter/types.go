package jupyter

import (
	"encoding/json"
	"fmt"
	"strings"
)

var (
	ErrKernelNotLaunched       = fmt.Errorf("kernel not launched")
	ErrKernelNotAvailable      = fmt.Errorf("kernel not available")
	ErrKernelClosed            = fmt.Errorf("kernel closed")
	ErrKernelLost              = fmt.Errorf("kernel lost")
	ErrRetriesExhausted        = fmt.Errorf("maximum number of retries exhausted")
	ErrTransportNotInitialized = fmt.Errorf("transport has not been initialized")
	ErrUnknownKernel           = fmt.Errorf("unknown kernel")
)

// KernelState is the connection lifecycle state of a kernel.
type KernelState string

const (
	// KernelStateIdle is the state of a kernel that has not been started yet.
	KernelStateIdle       KernelState = "idle"
	KernelStateStarting   KernelState = "starting"
	KernelStateConnecting KernelState = "connecting"
	KernelStateRunning    KernelState = "running"
	KernelStateError      KernelState = "error"
	KernelStateClosed     KernelState = "closed"
)

func (s KernelState) String() string {
	return string(s)
}

// IsTerminal returns true if no further transitions are possible.
func (s KernelState) IsTerminal() bool {
	return s == KernelStateError || s == KernelStateClosed
}

// ConnectionInfo stores the contents of a kernel connection file.
type ConnectionInfo struct {
	IP              string `json:"ip" name:"ip" description:"The IP address of the kernel."`
	ControlPort     int    `json:"control_port" name:"control-port" description:"The port for control messages."`
	ShellPort       int    `json:"shell_port" name:"shell-port" description:"The port for shell messages."`
	StdinPort       int    `json:"stdin_port" name:"stdin-port" description:"The port for stdin messages."`
	HBPort          int    `json:"hb_port" name:"hb-port" description:"The port for heartbeat messages."`
	IOPubPort       int    `json:"iopub_port" name:"iopub-port" description:"The port for iopub messages on the kernel (for the pub socket)."`
	Transport       string `json:"transport" name:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// Address returns the address of the given port of the kernel, e.g. "tcp://127.0.0.1:9001".
func (info *ConnectionInfo) Address(port int) string {
	transport := info.Transport
	if transport == "" {
		transport = "tcp"
	}

	return fmt.Sprintf("%s://%s:%d", transport, info.IP, port)
}

func (info *ConnectionInfo) String() string {
	m, err := json.Marshal(info)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (info *ConnectionInfo) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(info, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}
