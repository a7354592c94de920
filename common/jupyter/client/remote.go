package client

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/Scusemua/go-utils/promise"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scusemua/notebook-gateway/common/jupyter"
	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
	"github.com/scusemua/notebook-gateway/common/store"
	"github.com/scusemua/notebook-gateway/common/utils"
	"github.com/scusemua/notebook-gateway/common/utils/hashmap"
)

const (
	DefaultRetryDelay = 5 * time.Second
	DefaultEnvPrefix  = "KERNEL_"

	// EnvWhitelistVariable names the environment variable holding the default comma-separated
	// list of additional variables forwarded to remote kernels.
	EnvWhitelistVariable = "KG_ENV_WHITELIST"

	remoteRequestTimeout = 30 * time.Second
)

// RetryObserver is notified of every failed attempt to create or connect to a remote kernel
// that will be retried.
type RetryObserver func(info *KernelInfo, attempt int, err error)

type RemoteTransportOptions struct {
	// DefaultKernel is started when no flavor is requested.
	DefaultKernel string

	// MaxRetries is the number of consecutive failures tolerated before a kernel enters the error state.
	MaxRetries int

	// RetryDelay is the fixed delay before a failed creation or connection is retried.
	RetryDelay time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// EnvPrefix selects the environment variables forwarded to new kernels.
	EnvPrefix string

	// EnvWhitelist names additional environment variables forwarded to new kernels.
	EnvWhitelist []string

	// CleanupAllKernels makes Initialize delete every kernel the gateway lists,
	// not only the kernels recorded in the ledger.
	CleanupAllKernels bool

	StateObserver StateObserver
	RetryObserver RetryObserver

	// Environ returns the process environment. Defaults to os.Environ.
	Environ func() []string
}

func (opts *RemoteTransportOptions) setDefaults() {
	if opts.DefaultKernel == "" {
		opts.DefaultKernel = DefaultKernelName
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.EnvWhitelist == nil {
		opts.EnvWhitelist = utils.SplitList(os.Getenv(EnvWhitelistVariable))
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
}

// RemoteTransport drives kernels hosted by a Jupyter kernel gateway over its REST API and
// WebSocket channels.
//
// Start returns immediately. Each kernel then moves through starting, connecting and running;
// failures are retried after a fixed delay until MaxRetries consecutive failures have occurred,
// at which point the kernel enters the error state and its pending executions are failed.
type RemoteTransport struct {
	opts   RemoteTransportOptions
	api    GatewayAPI
	ledger store.KernelLedger

	kernels     *hashmap.ConcurrentMap[string, *remoteKernel]
	initialized atomic.Bool

	specsMu sync.Mutex
	specs   map[string]*KernelSpec

	log logger.Logger
}

func NewRemoteTransport(opts RemoteTransportOptions, api GatewayAPI, ledger store.KernelLedger) *RemoteTransport {
	opts.setDefaults()
	if ledger == nil {
		ledger = store.NewMemoryLedger()
	}

	transport := &RemoteTransport{
		opts:    opts,
		api:     api,
		ledger:  ledger,
		kernels: hashmap.NewConcurrentMap[*remoteKernel](0),
	}
	config.InitLogger(&transport.log, transport)

	return transport
}

// Initialize deletes the kernels left behind by a previous session of this process, and, if
// CleanupAllKernels is set, every other kernel the gateway knows about.
func (t *RemoteTransport) Initialize(ctx context.Context) error {
	recorded, err := t.ledger.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read kernel ledger")
	}

	stale := make(map[string]struct{}, len(recorded))
	for id := range recorded {
		stale[id] = struct{}{}
	}

	if t.opts.CleanupAllKernels {
		kernels, err := t.api.ListKernels(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to list gateway kernels")
		}

		for _, kernel := range kernels {
			stale[kernel.ID] = struct{}{}
		}
	}

	for id := range stale {
		if err := t.api.DeleteKernel(ctx, id); err != nil {
			t.log.Warn(utils.OrangeStyle.Render("Failed to delete stale kernel %s: %v"), id, err)
			continue
		}

		if err := t.ledger.Forget(ctx, id); err != nil {
			t.log.Warn("Failed to remove kernel %s from the ledger: %v", id, err)
		}
		t.log.Debug("Deleted stale kernel %s.", id)
	}

	if len(stale) > 0 {
		t.log.Info("Cleaned up %d kernel(s) from a previous session.", len(stale))
	}

	t.initialized.Store(true)
	return nil
}

// Start requests a kernel and returns its handle immediately. Use WaitReady to wait for it.
func (t *RemoteTransport) Start(_ context.Context, flavor string, onMessage MessageHandler) (*KernelHandle, error) {
	if !t.initialized.Load() {
		return nil, jupyter.ErrTransportNotInitialized
	}

	if flavor == "" {
		flavor = t.opts.DefaultKernel
	}

	info := NewKernelInfo(flavor, t.opts.MaxRetries, t.opts.StateObserver)
	kernel := newRemoteKernel(uuid.NewString(), flavor, info, onMessage,
		utils.FilterEnvironment(t.opts.Environ(), t.opts.EnvPrefix, t.opts.EnvWhitelist))

	t.kernels.Store(kernel.key, kernel)
	go t.create(kernel)

	return newKernelHandle(flavor, uuid.NewString(), info, kernel), nil
}

// create asks the gateway for a new kernel.
func (t *RemoteTransport) create(k *remoteKernel) {
	if k.isClosing() {
		return
	}

	k.transition(jupyter.KernelStateStarting)

	ctx, cancel := context.WithTimeout(k.ctx, remoteRequestTimeout)
	defer cancel()

	model, err := t.api.CreateKernel(ctx, k.flavor, k.env)
	if err != nil {
		t.onFailure(k, errors.Wrapf(err, "failed to create kernel \"%s\"", k.flavor), jupyter.KernelStateStarting)
		return
	}

	k.info.SetID(model.ID)
	k.info.Log("Kernel created by the gateway")
	k.log.Debug("Gateway created kernel %s for flavor \"%s\".", model.ID, k.flavor)

	if err := t.ledger.Record(ctx, model.ID, k.flavor); err != nil {
		t.log.Warn("Failed to record kernel %s in the ledger: %v", model.ID, err)
	}

	// A shutdown may have raced with the creation call.
	if k.isClosing() {
		t.deleteRemote(model.ID)
		return
	}

	t.connect(k)
}

// connect opens the kernel's WebSocket channel.
func (t *RemoteTransport) connect(k *remoteKernel) {
	if k.isClosing() {
		return
	}

	k.transition(jupyter.KernelStateConnecting)

	kernelID := k.info.ID()
	url, headers := t.api.ChannelURL(kernelID)

	ctx, cancel := context.WithTimeout(k.ctx, remoteRequestTimeout)
	defer cancel()

	channel, err := dialChannel(ctx, kernelID, url, headers, t.opts.HeartbeatInterval, t.opts.HeartbeatTimeout,
		func(msg *messaging.Message) { t.handleMessage(k, msg) },
		func(err error) { t.onChannelLost(k, err) },
		k.log)
	if err != nil {
		if IsNotFound(err) {
			// The gateway no longer knows the kernel. Nothing in flight on it can complete.
			k.info.FailPending(errors.Wrapf(jupyter.ErrKernelLost, "kernel %s", kernelID))
			t.forget(kernelID)
			t.onFailure(k, errors.Wrapf(err, "kernel %s no longer exists", kernelID), jupyter.KernelStateStarting)
			return
		}

		t.onFailure(k, errors.Wrapf(err, "failed to connect to kernel %s", kernelID), jupyter.KernelStateConnecting)
		return
	}

	if !t.installChannel(k, channel) {
		return
	}

	k.info.ResetRetries()
	k.info.SetState(jupyter.KernelStateRunning, nil)
	k.info.Log("Connected")
	k.log.Debug("Kernel %s is %s.", kernelID, utils.GreenStyle.Render("running"))

	k.resolveReady(nil)
}

// installChannel makes channel the kernel's connection. It returns false if the kernel is shutting
// down or the channel was already lost, in which case onChannelLost owns the retry.
func (t *RemoteTransport) installChannel(k *remoteKernel, channel *kernelChannel) bool {
	k.mu.Lock()
	closing := k.closing
	lost := channel.Lost()
	if !closing && !lost {
		k.channel = channel
	}
	k.mu.Unlock()

	if closing {
		channel.Close()
		return false
	}

	if lost {
		k.log.Debug("Channel of kernel %s was lost before it was installed.", k.info.ID())
		return false
	}

	return true
}

// onFailure counts a failed attempt and either schedules a retry into the given state or,
// once the retry bound is exceeded, moves the kernel to the error state.
func (t *RemoteTransport) onFailure(k *remoteKernel, cause error, retryState jupyter.KernelState) {
	if k.isClosing() {
		return
	}

	attempt := k.info.IncrementRetries()
	if attempt > k.info.MaxRetries() {
		err := errors.Wrapf(jupyter.ErrRetriesExhausted, "kernel \"%s\" failed %d consecutive times: %v",
			k.flavor, attempt, cause)
		k.log.Error(utils.RedStyle.Render("%v"), err)
		k.info.SetState(jupyter.KernelStateError, err)
		k.resolveReady(err)
		return
	}

	k.log.Warn(utils.OrangeStyle.Render("Attempt %d/%d failed: %v. Retrying in %v."),
		attempt, k.info.MaxRetries(), cause, t.opts.RetryDelay)
	k.info.Log("Attempt %d/%d failed: %v. Retrying as %s in %v", attempt, k.info.MaxRetries(), cause,
		retryState, t.opts.RetryDelay)
	k.transition(retryState)

	if t.opts.RetryObserver != nil {
		t.opts.RetryObserver(k.info, attempt, cause)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closing {
		return
	}

	k.timer = time.AfterFunc(t.opts.RetryDelay, func() {
		if retryState == jupyter.KernelStateStarting {
			t.create(k)
		} else {
			t.connect(k)
		}
	})
}

func (t *RemoteTransport) onChannelLost(k *remoteKernel, err error) {
	k.mu.Lock()
	if k.closing {
		k.mu.Unlock()
		return
	}
	k.channel = nil
	k.mu.Unlock()

	t.onFailure(k, err, jupyter.KernelStateConnecting)
}

func (t *RemoteTransport) handleMessage(k *remoteKernel, msg *messaging.Message) {
	if k.onMessage != nil {
		k.onMessage(msg)
	}

	if state, ok := msg.ExecutionState(); ok && state == messaging.MessageKernelStatusDead {
		k.mu.Lock()
		channel := k.channel
		closing := k.closing
		k.channel = nil
		k.mu.Unlock()

		if closing {
			return
		}

		if channel != nil {
			channel.CloseAsync()
		}

		t.onFailure(k, errors.Wrapf(jupyter.ErrKernelLost, "kernel %s reported dead status", k.info.ID()),
			jupyter.KernelStateConnecting)
	}
}

func (t *RemoteTransport) WaitReady(ctx context.Context, handle *KernelHandle) error {
	k, err := t.kernelOf(handle)
	if err != nil {
		return err
	}

	select {
	case <-k.readyC:
		_, err := k.ready.Result()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *RemoteTransport) Execute(ctx context.Context, handle *KernelHandle, code string, opts ExecuteOptions) (string, error) {
	k, err := t.kernelOf(handle)
	if err != nil {
		return "", err
	}

	k.mu.Lock()
	channel := k.channel
	k.mu.Unlock()

	if channel == nil || handle.info.State() != jupyter.KernelStateRunning {
		return "", notAvailable(handle.info)
	}

	msg, err := messaging.NewMessage(messaging.ShellChannel, messaging.ShellExecuteRequest, handle.Session, "", opts.Request(code))
	if err != nil {
		return "", err
	}

	if err := channel.Send(ctx, msg); err != nil {
		return "", errors.Wrapf(err, "failed to send execute_request to kernel %s", handle.info.ID())
	}

	return msg.MsgID(), nil
}

// Shutdown stops any pending retry, closes the channel without triggering a reconnect and
// deletes the kernel from the gateway.
func (t *RemoteTransport) Shutdown(ctx context.Context, handle *KernelHandle) error {
	k, err := t.kernelOf(handle)
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.closing = true
	if k.timer != nil {
		k.timer.Stop()
	}
	channel := k.channel
	k.channel = nil
	k.mu.Unlock()

	k.cancel()
	if channel != nil {
		channel.Close()
	}

	t.kernels.Delete(k.key)

	if kernelID := k.info.ID(); kernelID != "" {
		if err = t.api.DeleteKernel(ctx, kernelID); err != nil {
			t.log.Warn("Failed to delete kernel %s: %v", kernelID, err)
		} else {
			t.forget(kernelID)
		}
	}

	handle.info.SetState(jupyter.KernelStateClosed, nil)
	k.resolveReady(jupyter.ErrKernelClosed)

	return err
}

func (t *RemoteTransport) GetName(handle *KernelHandle) string {
	return handle.info.Name()
}

// GetSpec returns the gateway's kernelspec for the handle's flavor.
func (t *RemoteTransport) GetSpec(ctx context.Context, handle *KernelHandle) (*KernelSpec, error) {
	if spec := t.cachedSpec(handle.Flavor); spec != nil {
		return spec, nil
	}

	if _, err := t.ListFlavors(ctx); err != nil {
		return nil, err
	}

	if spec := t.cachedSpec(handle.Flavor); spec != nil {
		return spec, nil
	}

	return nil, errors.Wrapf(ErrUnknownFlavor, "gateway has no kernelspec named \"%s\"", handle.Flavor)
}

func (t *RemoteTransport) GetKernelID(handle *KernelHandle) string {
	return handle.info.ID()
}

func (t *RemoteTransport) KernelInfo(handle *KernelHandle) *KernelInfo {
	return handle.info
}

func (t *RemoteTransport) ListFlavors(ctx context.Context) (map[string]*KernelSpec, error) {
	specs, err := t.api.ListKernelSpecs(ctx)
	if err != nil {
		return nil, err
	}

	t.specsMu.Lock()
	t.specs = specs
	t.specsMu.Unlock()

	return specs, nil
}

// Close stops every pending retry and closes all channels. Kernels are left on the gateway
// and remain in the ledger, so that the next session can clean them up.
func (t *RemoteTransport) Close() error {
	t.kernels.Range(func(_ string, k *remoteKernel) bool {
		k.mu.Lock()
		k.closing = true
		if k.timer != nil {
			k.timer.Stop()
		}
		channel := k.channel
		k.channel = nil
		k.mu.Unlock()

		k.cancel()
		if channel != nil {
			channel.Close()
		}
		k.resolveReady(jupyter.ErrKernelClosed)
		return true
	})
	t.kernels.Clear()

	return t.ledger.Close()
}

func (t *RemoteTransport) cachedSpec(flavor string) *KernelSpec {
	t.specsMu.Lock()
	defer t.specsMu.Unlock()

	if t.specs == nil {
		return nil
	}
	return t.specs[flavor]
}

func (t *RemoteTransport) deleteRemote(kernelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), remoteRequestTimeout)
	defer cancel()

	if err := t.api.DeleteKernel(ctx, kernelID); err != nil {
		t.log.Warn("Failed to delete kernel %s: %v", kernelID, err)
		return
	}
	t.forget(kernelID)
}

func (t *RemoteTransport) forget(kernelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), remoteRequestTimeout)
	defer cancel()

	if err := t.ledger.Forget(ctx, kernelID); err != nil {
		t.log.Warn("Failed to remove kernel %s from the ledger: %v", kernelID, err)
	}
}

func (t *RemoteTransport) kernelOf(handle *KernelHandle) (*remoteKernel, error) {
	k, ok := handle.kernel.(*remoteKernel)
	if !ok {
		return nil, jupyter.ErrUnknownKernel
	}

	if _, loaded := t.kernels.Load(k.key); !loaded {
		return nil, errors.Wrapf(jupyter.ErrKernelClosed, "kernel %s", handle.info.ID())
	}

	return k, nil
}

// remoteKernel is the per-handle state of the reconnect state machine.
type remoteKernel struct {
	key       string
	flavor    string
	info      *KernelInfo
	onMessage MessageHandler
	env       map[string]string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	channel *kernelChannel
	timer   *time.Timer
	closing bool

	// ready is resolved exactly once, when the kernel first reaches running or fails terminally.
	ready     *promise.ChannelPromise
	readyC    chan struct{}
	readyDone atomic.Bool

	log logger.Logger
}

func newRemoteKernel(key string, flavor string, info *KernelInfo, onMessage MessageHandler, env map[string]string) *remoteKernel {
	ctx, cancel := context.WithCancel(context.Background())
	k := &remoteKernel{
		key:       key,
		flavor:    flavor,
		info:      info,
		onMessage: onMessage,
		env:       env,
		ctx:       ctx,
		cancel:    cancel,
		ready:     promise.NewChannelPromise(),
		readyC:    make(chan struct{}),
	}
	config.InitLogger(&k.log, fmt.Sprintf("RemoteKernel-%s ", key[:8]))

	return k
}

func (k *remoteKernel) isClosing() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.closing
}

// transition sets a non-error state unless the kernel is already in it.
func (k *remoteKernel) transition(state jupyter.KernelState) {
	if k.info.State() != state {
		k.info.SetState(state, nil)
	}
}

func (k *remoteKernel) resolveReady(err error) {
	if !k.readyDone.CompareAndSwap(false, true) {
		return
	}

	_, _ = k.ready.Resolve(k.info.ID(), err)
	close(k.readyC)
}
