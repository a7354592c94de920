package kernel

import (
	"context"
	"fmt"

	"github.com/scusemua/notebook-gateway/common/configuration"
	"github.com/scusemua/notebook-gateway/common/jupyter/client"
)

type PoolBuilder struct {
	transport       client.Transport
	metricsProvider MetricsProvider
	opts            *configuration.GatewayOptions
	clientOpts      *ClientOptions
}

// NewPoolBuilder initializes the builder.
func NewPoolBuilder() *PoolBuilder {
	return &PoolBuilder{}
}

// SetTransport sets the transport shared by every client of the pool.
func (b *PoolBuilder) SetTransport(transport client.Transport) *PoolBuilder {
	b.transport = transport
	return b
}

// SetMetricsProvider sets the metrics provider.
func (b *PoolBuilder) SetMetricsProvider(metricsProvider MetricsProvider) *PoolBuilder {
	b.metricsProvider = metricsProvider
	return b
}

// SetOptions sets the gateway options.
func (b *PoolBuilder) SetOptions(opts *configuration.GatewayOptions) *PoolBuilder {
	b.opts = opts
	return b
}

// SetClientOptions overrides the client options derived from the gateway options.
func (b *PoolBuilder) SetClientOptions(clientOpts ClientOptions) *PoolBuilder {
	b.clientOpts = &clientOpts
	return b
}

// Build initializes the transport and constructs the ManagedClientPool.
func (b *PoolBuilder) Build(ctx context.Context) (*ManagedClientPool, error) {
	if b.transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	if b.opts == nil {
		return nil, fmt.Errorf("options struct is required")
	}

	clientOpts := ClientOptions{
		PrependCode: b.opts.PrependExecuteCode,
		InitCode:    b.opts.InitCode,
	}
	if b.clientOpts != nil {
		clientOpts = *b.clientOpts
	}

	defaultKernel := b.opts.DefaultKernel
	if defaultKernel == "" {
		defaultKernel = client.DefaultKernelName
	}

	return newManagedClientPool(ctx, b.transport, clientOpts, defaultKernel, b.metricsProvider)
}
