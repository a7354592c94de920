package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

const (
	LedgerMemory = "memory"
	LedgerRedis  = "redis"
)

var (
	ErrUnknownLedger = fmt.Errorf("unknown ledger type")
)

// KernelLedger records the remote kernels created by this process, so that a restarted
// process can tear down the kernels left behind by its previous session.
type KernelLedger interface {
	// Record notes that the kernel with the given id and flavor was created.
	Record(ctx context.Context, kernelID string, flavor string) error

	// Forget removes a kernel that has been shut down.
	Forget(ctx context.Context, kernelID string) error

	// List returns the recorded kernels, keyed by id, with their flavors.
	List(ctx context.Context) (map[string]string, error)

	Close() error
}

// MemoryLedger is a KernelLedger that does not survive the process.
type MemoryLedger struct {
	mu      sync.Mutex
	kernels map[string]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		kernels: make(map[string]string),
	}
}

func (l *MemoryLedger) Record(_ context.Context, kernelID string, flavor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.kernels[kernelID] = flavor
	return nil
}

func (l *MemoryLedger) Forget(_ context.Context, kernelID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.kernels, kernelID)
	return nil
}

func (l *MemoryLedger) List(_ context.Context) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kernels := make(map[string]string, len(l.kernels))
	for id, flavor := range l.kernels {
		kernels[id] = flavor
	}

	return kernels, nil
}

func (l *MemoryLedger) Close() error {
	return nil
}

// SortedIDs returns the kernel ids of a List result in ascending order.
func SortedIDs(kernels map[string]string) []string {
	ids := make([]string, 0, len(kernels))
	for id := range kernels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// LedgerOptions selects and configures a KernelLedger.
type LedgerOptions struct {
	Type          string
	RedisAddr     string
	RedisPassword string
	RedisDatabase int
	KeyPrefix     string
}

// NewLedger creates the KernelLedger described by opts. An empty type selects the memory ledger.
func NewLedger(ctx context.Context, opts LedgerOptions) (KernelLedger, error) {
	switch opts.Type {
	case "", LedgerMemory:
		return NewMemoryLedger(), nil
	case LedgerRedis:
		return NewRedisLedger(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDatabase, opts.KeyPrefix)
	default:
		return nil, fmt.Errorf("%w: \"%s\"", ErrUnknownLedger, opts.Type)
	}
}
