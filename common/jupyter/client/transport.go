package client

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/scusemua/notebook-gateway/common/jupyter"
	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
)

var (
	ErrUnknownFlavor = fmt.Errorf("unknown kernel flavor")
)

// MessageHandler receives every asynchronous message a kernel emits.
//
// Handlers are called from the transport's receive goroutine and must not block.
type MessageHandler func(msg *messaging.Message)

// ExecuteOptions are the flags carried by an "execute_request".
type ExecuteOptions struct {
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"store_history"`
	UserExpressions map[string]interface{} `json:"user_expressions"`
	AllowStdin      bool                   `json:"allow_stdin"`
	StopOnError     bool                   `json:"stop_on_error"`
}

func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{
		StoreHistory:    true,
		StopOnError:     true,
		UserExpressions: map[string]interface{}{},
	}
}

// Request builds the content of an "execute_request" for code.
func (opts ExecuteOptions) Request(code string) *messaging.ExecuteRequest {
	userExpressions := opts.UserExpressions
	if userExpressions == nil {
		userExpressions = map[string]interface{}{}
	}

	return &messaging.ExecuteRequest{
		Code:            code,
		Silent:          opts.Silent,
		StoreHistory:    opts.StoreHistory,
		UserExpressions: userExpressions,
		AllowStdin:      opts.AllowStdin,
		StopOnError:     opts.StopOnError,
	}
}

// KernelSpec describes an installable kernel flavor, in the form served by
// "GET /api/kernelspecs" and stored in kernel.json files.
type KernelSpec struct {
	Name      string            `json:"name"`
	Spec      KernelSpecFile    `json:"spec"`
	Resources map[string]string `json:"resources,omitempty"`
}

// KernelSpecFile is the content of a kernel.json file.
type KernelSpecFile struct {
	Argv          []string               `json:"argv"`
	DisplayName   string                 `json:"display_name"`
	Language      string                 `json:"language"`
	Env           map[string]string      `json:"env,omitempty"`
	InterruptMode string                 `json:"interrupt_mode,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

func (spec *KernelSpec) String() string {
	m, err := json.Marshal(spec)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// KernelHandle identifies one kernel session opened by a Transport.
//
// Handles are opaque to callers; only the Transport that created a handle may use it.
type KernelHandle struct {
	// Flavor is the kernel flavor requested when the kernel was started.
	Flavor string

	// Session is the Jupyter session id used in the headers of requests sent to the kernel.
	Session string

	info   *KernelInfo
	kernel interface{}
}

func newKernelHandle(flavor string, session string, info *KernelInfo, kernel interface{}) *KernelHandle {
	return &KernelHandle{
		Flavor:  flavor,
		Session: session,
		info:    info,
		kernel:  kernel,
	}
}

func (h *KernelHandle) Info() *KernelInfo {
	return h.info
}

func (h *KernelHandle) ID() string {
	return h.info.ID()
}

func (h *KernelHandle) String() string {
	return fmt.Sprintf("KernelHandle[flavor=%s, %s]", h.Flavor, h.info.String())
}

// Transport opens kernels and drives the duplex connection to each of them.
//
// A Transport must be initialized before kernels are started.
type Transport interface {
	// Initialize prepares the transport. It must complete before Start is called.
	Initialize(ctx context.Context) error

	// Start opens a kernel of the given flavor. An empty flavor selects the default flavor.
	// onMessage is invoked for every asynchronous message the kernel emits.
	Start(ctx context.Context, flavor string, onMessage MessageHandler) (*KernelHandle, error)

	// WaitReady blocks until the kernel is running or has failed.
	WaitReady(ctx context.Context, handle *KernelHandle) error

	// Execute submits code and returns the msg_id of the request without waiting for a reply.
	Execute(ctx context.Context, handle *KernelHandle, code string, opts ExecuteOptions) (string, error)

	Shutdown(ctx context.Context, handle *KernelHandle) error

	GetName(handle *KernelHandle) string
	GetSpec(ctx context.Context, handle *KernelHandle) (*KernelSpec, error)
	GetKernelID(handle *KernelHandle) string
	KernelInfo(handle *KernelHandle) *KernelInfo

	ListFlavors(ctx context.Context) (map[string]*KernelSpec, error)

	// Close releases the transport. Kernels still open are not shut down.
	Close() error
}

// notAvailable builds the error returned when a request is made to a kernel that is not running.
func notAvailable(info *KernelInfo) error {
	state := info.State()
	if err := info.Err(); err != nil {
		return fmt.Errorf("%w: kernel %s is %s: %v", jupyter.ErrKernelNotAvailable, info.ID(), state, err)
	}

	return fmt.Errorf("%w: kernel %s is %s", jupyter.ErrKernelNotAvailable, info.ID(), state)
}

// NewKernelHandle creates a handle that is not bound to a kernel of this package's transports.
// It is used by Transport implementations defined elsewhere, such as test doubles.
func NewKernelHandle(flavor string, session string, info *KernelInfo) *KernelHandle {
	return newKernelHandle(flavor, session, info, nil)
}
