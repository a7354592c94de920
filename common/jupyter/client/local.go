package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scusemua/notebook-gateway/common/jupyter"
	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
	"github.com/scusemua/notebook-gateway/common/utils"
	"github.com/scusemua/notebook-gateway/common/utils/hashmap"
)

const (
	DefaultKernelName = "python3"

	defaultDialRetryInterval = 200 * time.Millisecond
	defaultReadyTimeout      = 60 * time.Second
	kernelInfoProbeInterval  = time.Second
	localShutdownTimeout     = 5 * time.Second
)

// KernelSpecSource looks up kernelspecs by flavor.
type KernelSpecSource interface {
	FindAll() (map[string]*KernelSpec, error)
	Get(name string) (*KernelSpec, error)
}

// StaticKernelSpecs is a fixed set of kernelspecs keyed by flavor.
type StaticKernelSpecs map[string]*KernelSpec

func (s StaticKernelSpecs) FindAll() (map[string]*KernelSpec, error) {
	specs := make(map[string]*KernelSpec, len(s))
	for name, spec := range s {
		specs[name] = spec
	}
	return specs, nil
}

func (s StaticKernelSpecs) Get(name string) (*KernelSpec, error) {
	spec, ok := s[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFlavor, "no kernelspec named \"%s\"", name)
	}
	return spec, nil
}

type LocalTransportOptions struct {
	// DefaultKernel is started when no flavor is requested.
	DefaultKernel string

	// ReadyTimeout bounds how long Start waits for a launched kernel to answer a kernel_info_request.
	ReadyTimeout time.Duration

	// DialRetryInterval is the delay between attempts to connect to a launched kernel's sockets.
	DialRetryInterval time.Duration

	// StateObserver, if non-nil, is notified of every kernel state transition.
	StateObserver StateObserver
}

// LocalTransport runs kernels as local processes and talks to them over ZMQ.
//
// Start blocks until the kernel's channels are connected and the kernel has answered a
// kernel_info_request. Any failure is returned to the caller.
type LocalTransport struct {
	opts     LocalTransportOptions
	specs    KernelSpecSource
	launcher KernelLauncher

	kernels     *hashmap.ConcurrentMap[string, *localKernel]
	initialized atomic.Bool

	log logger.Logger
}

func NewLocalTransport(opts LocalTransportOptions, specs KernelSpecSource, launcher KernelLauncher) *LocalTransport {
	if opts.DefaultKernel == "" {
		opts.DefaultKernel = DefaultKernelName
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.DialRetryInterval <= 0 {
		opts.DialRetryInterval = defaultDialRetryInterval
	}

	transport := &LocalTransport{
		opts:     opts,
		specs:    specs,
		launcher: launcher,
		kernels:  hashmap.NewConcurrentMap[*localKernel](0),
	}
	config.InitLogger(&transport.log, transport)

	return transport
}

// Initialize performs the first kernelspec discovery.
func (t *LocalTransport) Initialize(_ context.Context) error {
	specs, err := t.specs.FindAll()
	if err != nil {
		return errors.Wrap(err, "kernelspec discovery failed")
	}

	t.log.Debug("Local transport initialized with %d kernelspec(s).", len(specs))
	t.initialized.Store(true)
	return nil
}

func (t *LocalTransport) Start(ctx context.Context, flavor string, onMessage MessageHandler) (*KernelHandle, error) {
	if !t.initialized.Load() {
		return nil, jupyter.ErrTransportNotInitialized
	}

	if flavor == "" {
		flavor = t.opts.DefaultKernel
	}

	spec, err := t.specs.Get(flavor)
	if err != nil {
		return nil, err
	}

	kernelID := uuid.NewString()
	info := NewKernelInfo(flavor, 0, t.opts.StateObserver)
	info.SetID(kernelID)
	info.SetState(jupyter.KernelStateStarting, nil)

	kernel := newLocalKernel(kernelID, spec, info, onMessage)
	handle := newKernelHandle(flavor, uuid.NewString(), info, kernel)

	proc, err := t.launcher.Launch(ctx, kernelID, spec)
	if err != nil {
		info.SetState(jupyter.KernelStateError, err)
		return nil, errors.Wrapf(err, "failed to launch kernel \"%s\"", flavor)
	}
	kernel.proc = proc

	info.SetState(jupyter.KernelStateConnecting, nil)
	info.Log("Kernel process started, connecting")

	readyCtx, cancel := context.WithTimeout(ctx, t.opts.ReadyTimeout)
	defer cancel()

	if err := kernel.connect(readyCtx, t.opts.DialRetryInterval); err != nil {
		t.abort(kernel, err)
		return nil, errors.Wrapf(err, "failed to connect to kernel %s", kernelID)
	}

	if err := kernel.waitForReady(readyCtx, handle.Session); err != nil {
		t.abort(kernel, err)
		return nil, errors.Wrapf(err, "kernel %s did not become ready", kernelID)
	}

	t.kernels.Store(kernelID, kernel)
	go kernel.watchProcess()

	info.SetState(jupyter.KernelStateRunning, nil)
	t.log.Debug("Local kernel %s (%s) is %s.", kernelID, flavor, utils.GreenStyle.Render("running"))

	return handle, nil
}

func (t *LocalTransport) abort(kernel *localKernel, cause error) {
	kernel.info.SetState(jupyter.KernelStateError, cause)

	ctx, cancel := context.WithTimeout(context.Background(), localShutdownTimeout)
	defer cancel()
	kernel.close(ctx)
}

// WaitReady returns immediately: a handle returned by Start is already running.
func (t *LocalTransport) WaitReady(_ context.Context, handle *KernelHandle) error {
	if handle.info.State() != jupyter.KernelStateRunning {
		return notAvailable(handle.info)
	}
	return nil
}

func (t *LocalTransport) Execute(_ context.Context, handle *KernelHandle, code string, opts ExecuteOptions) (string, error) {
	kernel, err := t.kernelOf(handle)
	if err != nil {
		return "", err
	}

	if handle.info.State() != jupyter.KernelStateRunning {
		return "", notAvailable(handle.info)
	}

	msg, err := messaging.NewMessage(messaging.ShellChannel, messaging.ShellExecuteRequest, handle.Session, "", opts.Request(code))
	if err != nil {
		return "", err
	}

	if err := kernel.send(kernel.shell, msg); err != nil {
		return "", errors.Wrapf(err, "failed to send execute_request to kernel %s", kernel.id)
	}

	return msg.MsgID(), nil
}

func (t *LocalTransport) Shutdown(ctx context.Context, handle *KernelHandle) error {
	kernel, err := t.kernelOf(handle)
	if err != nil {
		return err
	}

	t.kernels.Delete(kernel.id)

	if msg, err := messaging.NewMessage(messaging.ControlChannel, messaging.ShutdownRequest, handle.Session, "", &messaging.MessageShutdownRequest{}); err == nil {
		kernel.closing.Store(true)
		if err := kernel.send(kernel.control, msg); err != nil {
			t.log.Debug("Failed to send shutdown_request to kernel %s: %v", kernel.id, err)
		}
	}

	err = kernel.close(ctx)
	handle.info.SetState(jupyter.KernelStateClosed, nil)
	t.log.Debug("Local kernel %s has been shut down.", kernel.id)

	return err
}

func (t *LocalTransport) GetName(handle *KernelHandle) string {
	if kernel, ok := handle.kernel.(*localKernel); ok {
		return kernel.spec.Name
	}
	return handle.Flavor
}

func (t *LocalTransport) GetSpec(_ context.Context, handle *KernelHandle) (*KernelSpec, error) {
	kernel, ok := handle.kernel.(*localKernel)
	if !ok {
		return nil, jupyter.ErrUnknownKernel
	}
	return kernel.spec, nil
}

func (t *LocalTransport) GetKernelID(handle *KernelHandle) string {
	return handle.info.ID()
}

func (t *LocalTransport) KernelInfo(handle *KernelHandle) *KernelInfo {
	return handle.info
}

func (t *LocalTransport) ListFlavors(_ context.Context) (map[string]*KernelSpec, error) {
	return t.specs.FindAll()
}

func (t *LocalTransport) Close() error {
	if closer, ok := t.specs.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (t *LocalTransport) kernelOf(handle *KernelHandle) (*localKernel, error) {
	kernel, ok := handle.kernel.(*localKernel)
	if !ok {
		return nil, jupyter.ErrUnknownKernel
	}

	if _, loaded := t.kernels.Load(kernel.id); !loaded {
		return nil, errors.Wrapf(jupyter.ErrKernelClosed, "kernel %s", kernel.id)
	}

	return kernel, nil
}

// localKernel holds the ZMQ connection to one launched kernel.
type localKernel struct {
	id        string
	spec      *KernelSpec
	info      *KernelInfo
	proc      KernelProcess
	onMessage MessageHandler

	scheme string
	key    []byte

	ctx    context.Context
	cancel context.CancelFunc

	shell   zmq4.Socket
	control zmq4.Socket
	iopub   zmq4.Socket
	sendMu  sync.Mutex

	// probes are the msg_ids of kernel_info_requests sent while waiting for the kernel.
	probes    sync.Map
	replied   chan struct{}
	replyOnce sync.Once
	iopubSeen chan struct{}
	iopubOnce sync.Once

	closing atomic.Bool

	log logger.Logger
}

func newLocalKernel(id string, spec *KernelSpec, info *KernelInfo, onMessage MessageHandler) *localKernel {
	ctx, cancel := context.WithCancel(context.Background())
	kernel := &localKernel{
		id:        id,
		spec:      spec,
		info:      info,
		onMessage: onMessage,
		ctx:       ctx,
		cancel:    cancel,
		replied:   make(chan struct{}),
		iopubSeen: make(chan struct{}),
	}
	config.InitLogger(&kernel.log, fmt.Sprintf("LocalKernel-%s ", id))

	return kernel
}

// connect dials the shell, control and iopub sockets, retrying until ctx is done.
func (k *localKernel) connect(ctx context.Context, retryInterval time.Duration) error {
	connInfo := k.proc.ConnectionInfo()
	k.scheme = connInfo.SignatureScheme
	k.key = []byte(connInfo.Key)

	k.shell = zmq4.NewDealer(k.ctx)
	k.control = zmq4.NewDealer(k.ctx)
	k.iopub = zmq4.NewSub(k.ctx)

	sockets := []struct {
		socket  zmq4.Socket
		port    int
		channel string
	}{
		{k.shell, connInfo.ShellPort, messaging.ShellChannel},
		{k.control, connInfo.ControlPort, messaging.ControlChannel},
		{k.iopub, connInfo.IOPubPort, messaging.IOPubChannel},
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for _, s := range sockets {
		addr := connInfo.Address(s.port)
		for {
			select {
			case <-ctx.Done():
				return errors.Wrapf(ctx.Err(), "timed out dialing %s socket at %s", s.channel, addr)
			case <-k.proc.Done():
				return errors.Wrap(jupyter.ErrKernelLost, "kernel exited during start-up")
			case <-timer.C:
			}

			err := s.socket.Dial(addr)
			if err == nil {
				k.log.Debug("Connected %s socket to %s", s.channel, addr)
				break
			}

			k.log.Debug("Failed to dial %s socket at %s (%v), retrying...", s.channel, addr, err)
			timer.Reset(retryInterval)
		}
		timer.Reset(0)
	}

	if err := k.iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return errors.Wrap(err, "failed to subscribe to iopub")
	}

	go k.serve(k.shell, messaging.ShellChannel)
	go k.serve(k.control, messaging.ControlChannel)
	go k.serve(k.iopub, messaging.IOPubChannel)

	return nil
}

// waitForReady repeats kernel_info_requests until the kernel has replied on shell and
// published at least one iopub message, so that iopub output of later requests is not lost.
func (k *localKernel) waitForReady(ctx context.Context, session string) error {
	ticker := time.NewTicker(kernelInfoProbeInterval)
	defer ticker.Stop()

	probe := func() error {
		msg, err := messaging.NewMessage(messaging.ShellChannel, messaging.KernelInfoRequest, session, "", nil)
		if err != nil {
			return err
		}
		k.probes.Store(msg.MsgID(), struct{}{})
		return k.send(k.shell, msg)
	}

	if err := probe(); err != nil {
		return err
	}

	replied, iopubSeen := k.replied, k.iopubSeen
	for replied != nil || iopubSeen != nil {
		select {
		case <-replied:
			replied = nil
		case <-iopubSeen:
			iopubSeen = nil
		case <-ticker.C:
			if err := probe(); err != nil {
				return err
			}
		case <-k.proc.Done():
			return errors.Wrap(jupyter.ErrKernelLost, "kernel exited during start-up")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (k *localKernel) send(socket zmq4.Socket, msg *messaging.Message) error {
	frames, err := messaging.EncodeMessage(msg, k.scheme, k.key)
	if err != nil {
		return err
	}

	k.sendMu.Lock()
	defer k.sendMu.Unlock()

	return socket.Send(zmq4.NewMsgFrom(frames...))
}

func (k *localKernel) serve(socket zmq4.Socket, channel string) {
	for {
		raw, err := socket.Recv()
		if err != nil {
			if k.ctx.Err() == nil && !k.closing.Load() {
				k.log.Debug("Error reading from %s socket: %v", channel, err)
			}
			return
		}

		msg, err := messaging.DecodeMessage(raw.Frames, channel, k.scheme, k.key)
		if err != nil {
			k.log.Warn(utils.OrangeStyle.Render("Dropping invalid message on %s: %v"), channel, err)
			continue
		}

		k.handle(msg)
	}
}

func (k *localKernel) handle(msg *messaging.Message) {
	if msg.Channel == messaging.IOPubChannel {
		k.iopubOnce.Do(func() { close(k.iopubSeen) })
	}

	if _, probe := k.probes.Load(msg.ParentMsgID()); probe {
		if msg.MsgType() == messaging.KernelInfoReply {
			k.replyOnce.Do(func() { close(k.replied) })
		}
		return
	}

	if state, ok := msg.ExecutionState(); ok && state == messaging.MessageKernelStatusDead && !k.closing.Load() {
		k.info.SetState(jupyter.KernelStateError, errors.Wrap(jupyter.ErrKernelLost, "kernel reported dead status"))
	}

	if k.onMessage != nil {
		k.onMessage(msg)
	}
}

func (k *localKernel) watchProcess() {
	select {
	case <-k.ctx.Done():
	case <-k.proc.Done():
		if !k.closing.Load() {
			k.info.SetState(jupyter.KernelStateError, errors.Wrap(jupyter.ErrKernelLost, "kernel process exited"))
			k.cancel()
		}
	}
}

func (k *localKernel) close(ctx context.Context) error {
	k.closing.Store(true)

	var err error
	if k.proc != nil {
		err = k.proc.Shutdown(ctx)
	}

	k.cancel()
	for _, socket := range []zmq4.Socket{k.shell, k.control, k.iopub} {
		if socket != nil {
			_ = socket.Close()
		}
	}

	return err
}
