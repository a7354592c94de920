package kernel

import (
	"context"
	"errors"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/Scusemua/go-utils/promise"
	"golang.org/x/sync/errgroup"

	"github.com/scusemua/notebook-gateway/common/jupyter/client"
	"github.com/scusemua/notebook-gateway/common/utils"
)

const (
	DefaultStatsLanguage = "python"

	publishResultOK = "OK"
)

// FlavorInfo is a kernelspec as listed for collaborators, marked if it is the default flavor.
type FlavorInfo struct {
	*client.KernelSpec

	Default bool `json:"default"`
}

// ManagedClientPool owns the ManagedClients of a process and the single transport they share.
//
// Clients are created lazily, one per requested kernel flavor. The first client created serves
// requests that do not name a flavor.
type ManagedClientPool struct {
	transport     client.Transport
	clientOpts    ClientOptions
	defaultKernel string
	metrics       MetricsProvider

	mu      sync.Mutex
	clients []*ManagedClient
	closed  bool

	// createMu serializes the creation of clients so that a flavor is started at most once.
	createMu sync.Mutex

	log logger.Logger
}

// newManagedClientPool initializes the transport, which includes tearing down the kernels of a
// previous session, and returns a pool ready to serve Get.
func newManagedClientPool(ctx context.Context, transport client.Transport, clientOpts ClientOptions,
	defaultKernel string, metricsProvider MetricsProvider) (*ManagedClientPool, error) {

	pool := &ManagedClientPool{
		transport:     transport,
		clientOpts:    clientOpts,
		defaultKernel: defaultKernel,
		metrics:       metricsProvider,
	}
	config.InitLogger(&pool.log, pool)

	if err := transport.Initialize(ctx); err != nil {
		return nil, err
	}

	return pool, nil
}

// Get returns a client for app. If app names no preferred flavor and a client exists, the first
// client is returned. Otherwise the client of the preferred flavor is returned, and created if
// there is none yet. Errors starting a kernel are returned to the caller.
func (p *ManagedClientPool) Get(ctx context.Context, app *AppDefinition) (*ManagedClient, error) {
	flavor := app.PreferredKernel()

	if c, err := p.find(flavor); c != nil || err != nil {
		return c, err
	}

	p.createMu.Lock()
	defer p.createMu.Unlock()

	// Another caller may have created the client while we waited.
	if c, err := p.find(flavor); c != nil || err != nil {
		return c, err
	}

	p.log.Debug("Creating a new managed client for kernel: \"%s\"", flavor)

	c, err := NewManagedClient(ctx, p.transport, flavor, p.clientOpts, p.metrics)
	if err != nil {
		p.log.Error(utils.RedStyle.Render("Failed to create managed client for kernel \"%s\": %v"), flavor, err)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.Shutdown(context.Background())
		return nil, ErrPoolClosed
	}
	p.clients = append(p.clients, c)
	numClients := len(p.clients)
	p.mu.Unlock()

	if p.metrics != nil {
		_ = p.metrics.SetManagedClients(numClients)
	}

	return c, nil
}

func (p *ManagedClientPool) find(flavor string) (*ManagedClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	if flavor == "" && len(p.clients) > 0 {
		return p.clients[0], nil
	}

	for _, c := range p.clients {
		if c.KernelName() == flavor {
			return c, nil
		}
	}

	return nil, nil
}

// GetByID returns the client whose kernel has the given id, or nil.
func (p *ManagedClientPool) GetByID(kernelID string) *ManagedClient {
	for _, c := range p.Clients() {
		if c.KernelID() == kernelID {
			return c
		}
	}

	return nil
}

// Clients returns the pool's clients in creation order.
func (p *ManagedClientPool) Clients() []*ManagedClient {
	p.mu.Lock()
	defer p.mu.Unlock()

	clients := make([]*ManagedClient, len(p.clients))
	copy(clients, p.clients)
	return clients
}

func (p *ManagedClientPool) ListFlavors(ctx context.Context) (map[string]*client.KernelSpec, error) {
	return p.transport.ListFlavors(ctx)
}

// StatsKernels lists the flavors whose language is language (DefaultStatsLanguage if empty),
// marking the default flavor.
func (p *ManagedClientPool) StatsKernels(ctx context.Context, language string) (map[string]*FlavorInfo, error) {
	if language == "" {
		language = DefaultStatsLanguage
	}

	specs, err := p.transport.ListFlavors(ctx)
	if err != nil {
		return nil, err
	}

	flavors := make(map[string]*FlavorInfo, len(specs))
	for name, spec := range specs {
		if spec == nil || spec.Spec.Language != language {
			continue
		}

		flavors[name] = &FlavorInfo{
			KernelSpec: spec,
			Default:    name == p.defaultKernel,
		}
	}

	return flavors, nil
}

// OnPublish notifies every client that app was published. Each returned promise resolves once
// the corresponding client has installed the app's dependencies and restarted if necessary.
func (p *ManagedClientPool) OnPublish(ctx context.Context, app *AppDefinition, sink LogSink) []promise.Promise {
	if sink == nil {
		sink = discardSink{}
	}

	sink.Append("Validating Kernels for publishing...")
	defer sink.Append("Done Validating Kernels...")

	clients := p.Clients()
	promises := make([]promise.Promise, 0, len(clients))
	for _, c := range clients {
		published := promise.NewChannelPromise()
		promises = append(promises, published)

		go func(c *ManagedClient) {
			if err := c.OnPublish(ctx, app, sink); err != nil {
				p.log.Warn("Kernel %s failed to handle the publication of app \"%s\": %v", c.KernelID(), app.Name, err)
				_, _ = published.Resolve(nil, err)
				return
			}
			_, _ = published.Resolve(publishResultOK, nil)
		}(c)
	}

	return promises
}

// GetStats returns the stats of every client keyed by kernel id. If kernelID is not empty only
// that kernel's stats are returned.
func (p *ManagedClientPool) GetStats(kernelID string) map[string]*ClientStats {
	stats := make(map[string]*ClientStats)
	for _, c := range p.Clients() {
		id := c.KernelID()
		if kernelID != "" && id != kernelID {
			continue
		}

		stats[id] = c.GetStats()
	}

	return stats
}

// Shutdown shuts down the kernel of every client. The clients remain in the pool.
func (p *ManagedClientPool) Shutdown(ctx context.Context) error {
	clients := p.Clients()
	errs := make([]error, len(clients))

	var group errgroup.Group
	for i, c := range clients {
		group.Go(func() error {
			errs[i] = c.Shutdown(ctx)
			return nil
		})
	}
	_ = group.Wait()

	return errors.Join(errs...)
}

// Close shuts down every client, releases the transport and rejects further calls to Get.
func (p *ManagedClientPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.Shutdown(ctx)

	p.mu.Lock()
	p.clients = nil
	p.mu.Unlock()

	if p.metrics != nil {
		_ = p.metrics.SetManagedClients(0)
	}

	return errors.Join(err, p.transport.Close())
}
