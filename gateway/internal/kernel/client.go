package kernel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/scusemua/notebook-gateway/common/jupyter/client"
	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
	"github.com/scusemua/notebook-gateway/common/metrics"
	"github.com/scusemua/notebook-gateway/common/queue"
	"github.com/scusemua/notebook-gateway/common/utils"
	"github.com/scusemua/notebook-gateway/common/utils/hashmap"
)

const (
	installedModulesKey = "installed_modules"

	// recentlyCompletedSize is the number of completed request ids whose late replies are dropped
	// silently instead of being counted as orphans.
	recentlyCompletedSize = 32
)

// ClientOptions configures the ManagedClients of a pool.
type ClientOptions struct {
	// PrependCode is prepended, on its own line, to every piece of code submitted.
	PrependCode string

	// InitCode is executed whenever the kernel starts. Stream output of the form
	// {"installed_modules": [...]} seeds the set of installed modules.
	InitCode string
}

// ManagedClient owns one kernel connection and provides request/response execution over the
// transport's asynchronous messages.
//
// Only one execution may be in flight at a time. Callers must hold the client's lock, acquired
// with Lock or WithLock, from submitting code with ExecuteCode until its Execution completes.
type ManagedClient struct {
	transport client.Transport
	flavor    string
	opts      ClientOptions
	metrics   MetricsProvider

	sem *semaphore.Weighted

	mu               sync.Mutex
	handle           *client.KernelHandle
	installedModules map[string]string
	appStats         *AppStats

	runStats *RunStats

	// dispatchMu orders the registration of an execution before the dispatch of its replies.
	dispatchMu sync.RWMutex
	pending    *hashmap.ConcurrentMap[string, *Execution]

	completedMu     sync.Mutex
	completedOrder  *queue.Fifo[string]
	recentCompleted map[string]struct{}

	log logger.Logger
}

// NewManagedClient starts a kernel of the given flavor and returns a client bound to it once the
// kernel is running. An empty flavor selects the transport's default flavor.
func NewManagedClient(ctx context.Context, transport client.Transport, flavor string, opts ClientOptions,
	metricsProvider MetricsProvider) (*ManagedClient, error) {

	c := &ManagedClient{
		transport:        transport,
		flavor:           strings.TrimSpace(flavor),
		opts:             opts,
		metrics:          metricsProvider,
		sem:              semaphore.NewWeighted(1),
		installedModules: make(map[string]string),
		appStats:         NewAppStats(),
		runStats:         NewRunStats(),
		pending:          hashmap.NewConcurrentMap[*Execution](0),
		completedOrder:   queue.NewBoundedFifo[string](recentlyCompletedSize),
		recentCompleted:  make(map[string]struct{}, recentlyCompletedSize),
	}
	config.InitLogger(&c.log, fmt.Sprintf("ManagedClient-%s ", c.flavor))

	if err := c.start(ctx, c.flavor); err != nil {
		return nil, err
	}

	return c, nil
}

// Lock acquires the client's execution lock.
func (c *ManagedClient) Lock(ctx context.Context) error {
	return c.sem.Acquire(ctx, 1)
}

// Unlock releases the client's execution lock. Executions still pending at that point were
// abandoned by the lock holder and are failed with ErrExecutionAbandoned.
func (c *ManagedClient) Unlock() {
	c.abandonPending()
	c.sem.Release(1)
}

func (c *ManagedClient) abandonPending() {
	for _, requestID := range c.pending.Keys() {
		exec, ok := c.pending.Load(requestID)
		if !ok {
			continue
		}

		c.log.Warn(utils.OrangeStyle.Render("Execution %s was abandoned before kernel %s completed it."),
			requestID, c.KernelID())
		exec.Fail(ErrExecutionAbandoned)
	}
}

// WithLock runs fn while holding the client's execution lock.
func (c *ManagedClient) WithLock(ctx context.Context, fn func() error) error {
	if err := c.Lock(ctx); err != nil {
		return err
	}
	defer c.Unlock()

	return fn()
}

// start starts a kernel and runs the init code. The caller must hold the lock or own the
// client exclusively.
func (c *ManagedClient) start(ctx context.Context, flavor string) error {
	handle, err := c.transport.Start(ctx, flavor, c.handleMessage)
	if err != nil {
		return errors.Wrapf(err, "failed to start kernel \"%s\"", flavor)
	}

	if err := c.transport.WaitReady(ctx, handle); err != nil {
		c.log.Warn(utils.OrangeStyle.Render("Kernel %s of flavor \"%s\" did not become ready: %v"),
			c.transport.GetKernelID(handle), flavor, err)

		if shutdownErr := c.transport.Shutdown(context.Background(), handle); shutdownErr != nil {
			c.log.Debug("Failed to shut down kernel that did not become ready: %v", shutdownErr)
		}
		return errors.Wrapf(err, "kernel \"%s\" did not become ready", flavor)
	}

	spec, err := c.transport.GetSpec(ctx, handle)
	if err != nil {
		c.log.Warn("Could not retrieve the kernelspec of kernel %s: %v", c.transport.GetKernelID(handle), err)
	}

	c.mu.Lock()
	c.handle = handle
	c.appStats = NewAppStats()
	c.mu.Unlock()

	c.runStats.Start(c.transport.GetName(handle), spec)

	c.log.Debug(utils.GreenStyle.Render("Kernel %s (%s) is running."), c.KernelID(), c.KernelName())

	c.probe(ctx)
	return nil
}

// probe runs the init code and records the installed modules it reports.
func (c *ManagedClient) probe(ctx context.Context) {
	if strings.TrimSpace(c.opts.InitCode) == "" {
		return
	}

	exec, err := c.ExecuteCode(ctx, c.opts.InitCode, StreamResultExtractor)
	if err != nil {
		c.log.Warn("Failed to submit init code to kernel %s: %v", c.KernelID(), err)
		return
	}

	result, err := exec.Wait(ctx)
	if err != nil {
		c.log.Warn("Init code of kernel %s failed: %v", c.KernelID(), err)
		return
	}

	texts, _ := result.([]string)
	for _, text := range texts {
		for _, line := range strings.Split(text, "\n") {
			var report map[string]json.RawMessage
			if err := json.Unmarshal([]byte(line), &report); err != nil {
				continue
			}

			raw, ok := report[installedModulesKey]
			if !ok {
				continue
			}

			var modules []string
			if err := json.Unmarshal(raw, &modules); err != nil {
				continue
			}

			c.setInstalledModules(modules)
			c.log.Debug("Installed modules of kernel %s: %v", c.KernelID(), modules)
			return
		}
	}
}

// ExecuteCode submits code to the kernel and returns its pending Execution. The configured
// prepend code is added in front of code. A nil extractor selects DefaultResultExtractor.
//
// The caller must hold the client's lock until the returned Execution completes.
func (c *ManagedClient) ExecuteCode(ctx context.Context, code string, extractor ResultExtractor) (*Execution, error) {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	if handle == nil {
		return nil, ErrClientNotStarted
	}

	if c.opts.PrependCode != "" {
		code = c.opts.PrependCode + "\n" + code
	}

	c.log.Debug("Executing code: %s", code)

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	requestID, err := c.transport.Execute(ctx, handle, code, client.DefaultExecuteOptions())
	if err != nil {
		return nil, err
	}

	exec := newExecution(requestID, code, c.KernelName(), extractor, c.onExecutionComplete)
	c.pending.Store(requestID, exec)
	c.transport.KernelInfo(handle).RegisterPending(requestID, exec)

	return exec, nil
}

func (c *ManagedClient) onExecutionComplete(exec *Execution, err error) {
	c.rememberCompleted(exec.RequestID)
	c.pending.Delete(exec.RequestID)

	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle != nil {
		c.transport.KernelInfo(handle).DeregisterPending(exec.RequestID)
	}

	outcome := metrics.OutcomeSuccess
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			outcome = metrics.OutcomeError
		} else {
			outcome = metrics.OutcomeFailed
		}
		c.log.Debug("Execution %s on kernel %s completed with error: %v", exec.RequestID, exec.KernelName, err)
	}

	if c.metrics != nil {
		_ = c.metrics.ObserveExecution(exec.KernelName, outcome, time.Since(exec.submittedAt))
	}
}

// rememberCompleted records requestID so that replies arriving after its terminal message are
// not mistaken for orphans. Only the most recent ids are kept.
func (c *ManagedClient) rememberCompleted(requestID string) {
	c.completedMu.Lock()
	defer c.completedMu.Unlock()

	if _, ok := c.recentCompleted[requestID]; ok {
		return
	}

	if evicted, ok := c.completedOrder.Enqueue(requestID); ok {
		delete(c.recentCompleted, evicted)
	}
	c.recentCompleted[requestID] = struct{}{}
}

func (c *ManagedClient) recentlyCompleted(requestID string) bool {
	c.completedMu.Lock()
	defer c.completedMu.Unlock()

	_, ok := c.recentCompleted[requestID]
	return ok
}

// handleMessage receives every message emitted by the kernel.
func (c *ManagedClient) handleMessage(msg *messaging.Message) {
	if state, ok := msg.ExecutionState(); ok {
		c.runStats.UpdateStatus(state)
	}

	c.dispatchMu.RLock()
	exec, ok := c.pending.Load(msg.ParentMsgID())
	c.dispatchMu.RUnlock()

	if !ok {
		if c.recentlyCompleted(msg.ParentMsgID()) {
			c.log.Debug("Dropping %s message of completed execution %s.", msg.MsgType(), msg.ParentMsgID())
			return
		}

		if msg.ParentMsgID() != "" {
			c.log.Warn(utils.LightOrangeStyle.Render("Got an orphan message %s"), msg.ParentHeader.String())
		} else {
			c.log.Debug("Got an orphan %s message without a parent.", msg.MsgType())
		}

		if c.metrics != nil {
			_ = c.metrics.IncrementOrphanMessages(c.KernelName())
		}
		return
	}

	exec.handle(msg)
}

// InstallDependencies installs every dependency of app that is not yet installed in the kernel,
// and returns true if anything was installed, in which case the kernel must be restarted.
//
// The caller must hold the client's lock.
func (c *ManagedClient) InstallDependencies(ctx context.Context, app *AppDefinition, sink LogSink) (bool, error) {
	if sink == nil {
		sink = discardSink{}
	}

	restart := false
	for _, name := range app.DependencyNames() {
		if c.HasModule(name) {
			continue
		}

		info := app.Deps[name]
		sink.Append(fmt.Sprintf("Installing module: %s from %s", name, info))

		requirement := name
		if info.Install != "" {
			requirement = info.Install
		}

		exec, err := c.ExecuteCode(ctx, fmt.Sprintf("!pip install %s", requirement), nil)
		if err != nil {
			return restart, errors.Wrapf(err, "failed to install module %s", name)
		}

		if _, err := exec.Wait(ctx); err != nil {
			return restart, errors.Wrapf(err, "failed to install module %s", name)
		}

		c.addInstalledModule(name)
		restart = true
	}

	return restart, nil
}

// OnPublish prepares the kernel for a newly published version of app. The kernel is restarted
// if dependencies had to be installed or if the application already ran in this kernel.
func (c *ManagedClient) OnPublish(ctx context.Context, app *AppDefinition, sink LogSink) error {
	if sink == nil {
		sink = discardSink{}
	}

	var restart bool
	err := c.WithLock(ctx, func() (err error) {
		restart, err = c.InstallDependencies(ctx, app, sink)
		return err
	})
	if err != nil {
		return err
	}

	if restart || c.GetAppStats(app.Name) != nil {
		sink.Append(fmt.Sprintf("Restarting kernel %s...", c.KernelID()))
		if err := c.Restart(ctx); err != nil {
			return err
		}
		sink.Append("Kernel successfully restarted...")
	}

	return nil
}

// Restart shuts down the kernel and starts a new one of the same flavor. Installed modules and
// application stats are reset.
func (c *ManagedClient) Restart(ctx context.Context) error {
	if err := c.Lock(ctx); err != nil {
		return err
	}
	defer c.Unlock()

	flavor := c.KernelName()
	if flavor == "" {
		flavor = c.flavor
	}

	c.log.Debug("Restarting kernel %s (%s).", c.KernelID(), flavor)

	if err := c.Shutdown(ctx); err != nil {
		c.log.Warn("Error while shutting down kernel %s for restart: %v", c.KernelID(), err)
	}

	c.mu.Lock()
	c.handle = nil
	c.installedModules = make(map[string]string)
	c.mu.Unlock()

	return c.start(ctx, flavor)
}

// Shutdown shuts down the kernel. Pending executions fail.
func (c *ManagedClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	if handle == nil {
		return nil
	}

	return c.transport.Shutdown(ctx, handle)
}

func (c *ManagedClient) KernelID() string {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	if handle == nil {
		return ""
	}
	return c.transport.GetKernelID(handle)
}

// KernelName returns the flavor of the running kernel, as reported by the transport.
func (c *ManagedClient) KernelName() string {
	return c.runStats.KernelName()
}

// Flavor returns the flavor the client was created for.
func (c *ManagedClient) Flavor() string {
	return c.flavor
}

// Info returns the status record of the kernel, or nil if no kernel is running.
func (c *ManagedClient) Info() *client.KernelInfo {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	if handle == nil {
		return nil
	}
	return c.transport.KernelInfo(handle)
}

func (c *ManagedClient) HasModule(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.installedModules[moduleKey(name)]
	return ok
}

// InstalledModules returns the modules known to be installed, sorted.
func (c *ManagedClient) InstalledModules() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	modules := make([]string, 0, len(c.installedModules))
	for _, name := range c.installedModules {
		modules = append(modules, name)
	}
	sort.Strings(modules)

	return modules
}

func (c *ManagedClient) addInstalledModule(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.installedModules[moduleKey(name)] = name
}

func (c *ManagedClient) setInstalledModules(modules []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.installedModules = make(map[string]string, len(modules))
	for _, name := range modules {
		c.installedModules[moduleKey(name)] = name
	}
}

// GetAppStats returns the stats recorded for an application, or nil if there are none.
func (c *ManagedClient) GetAppStats(appName string) map[string]interface{} {
	return c.currentAppStats().Get(appName)
}

func (c *ManagedClient) GetAppStat(appName string, statName string) (interface{}, bool) {
	return c.currentAppStats().GetStat(appName, statName)
}

func (c *ManagedClient) SetAppStats(appName string, statName string, value interface{}) {
	c.currentAppStats().Set(appName, statName, value)
}

func (c *ManagedClient) currentAppStats() *AppStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.appStats
}

func (c *ManagedClient) GetRunStats(statName string, def interface{}) interface{} {
	return c.runStats.Get(statName, def)
}

func (c *ManagedClient) SetRunStats(statName string, value interface{}) {
	c.runStats.Set(statName, value)
}

func (c *ManagedClient) RunStats() *RunStats {
	return c.runStats
}

// GetStats returns a serializable snapshot of the client's run and application stats.
func (c *ManagedClient) GetStats() *ClientStats {
	return &ClientStats{
		RunStats: c.runStats.ExternalRepr(),
		AppStats: c.currentAppStats().ExternalRepr(),
	}
}

func (c *ManagedClient) String() string {
	return fmt.Sprintf("ManagedClient[kernel=%s, name=%s]", c.KernelID(), c.KernelName())
}
