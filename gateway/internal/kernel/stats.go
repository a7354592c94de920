package kernel

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/shopspring/decimal"

	"github.com/scusemua/notebook-gateway/common/jupyter/client"
	"github.com/scusemua/notebook-gateway/common/jupyter/messaging"
	"github.com/scusemua/notebook-gateway/common/utils"
)

const (
	RunStatStatus     = "status"
	RunStatKernelName = "kernel_name"
	RunStatKernelSpec = "kernel_spec"
	RunStatBusyRatio  = "busy_ratio"

	// AppStatWarmupException is set on an application whose warm-up failed.
	AppStatWarmupException = "warmup_exception"

	AppStatusRunning = "running"
	AppStatusError   = "error"

	busyRatioPlaces = 2
)

// RunStats tracks the execution status of a kernel and how long it has spent busy and idle.
//
// Each status update charges the time since the previous checkpoint to the status that was
// current before the update.
type RunStats struct {
	mu sync.Mutex

	status     string
	kernelName string
	kernelSpec *client.KernelSpec

	busyTime   time.Duration
	idleTime   time.Duration
	checkpoint time.Time

	extra map[string]interface{}

	now func() time.Time
}

func NewRunStats() *RunStats {
	return newRunStatsWithClock(time.Now)
}

func newRunStatsWithClock(now func() time.Time) *RunStats {
	return &RunStats{
		status:     messaging.MessageKernelStatusIdle,
		checkpoint: now(),
		extra:      make(map[string]interface{}),
		now:        now,
	}
}

// Start resets the stats for a newly started kernel.
func (s *RunStats) Start(kernelName string, kernelSpec *client.KernelSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = messaging.MessageKernelStatusIdle
	s.kernelName = kernelName
	s.kernelSpec = kernelSpec
	s.busyTime = 0
	s.idleTime = 0
	s.checkpoint = s.now()
	s.extra = make(map[string]interface{})
}

// UpdateStatus charges the elapsed time to the current status and then switches to status.
// An empty status only advances the checkpoint.
func (s *RunStats) UpdateStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateLocked(status)
}

func (s *RunStats) updateLocked(status string) {
	now := s.now()
	delta := now.Sub(s.checkpoint)
	s.checkpoint = now

	if s.status == messaging.MessageKernelStatusIdle {
		s.idleTime += delta
	} else {
		s.busyTime += delta
	}

	if status != "" {
		s.status = status
	}
}

func (s *RunStats) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

func (s *RunStats) KernelName() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.kernelName
}

func (s *RunStats) KernelSpec() *client.KernelSpec {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.kernelSpec
}

func (s *RunStats) BusyTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.busyTime
}

func (s *RunStats) IdleTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.idleTime
}

// Get returns the named stat, or def if it is not set.
func (s *RunStats) Get(name string, def interface{}) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case RunStatStatus:
		return s.status
	case RunStatKernelName:
		return s.kernelName
	case RunStatKernelSpec:
		if s.kernelSpec == nil {
			return def
		}
		return s.kernelSpec
	}

	if value, ok := s.extra[name]; ok {
		return value
	}
	return def
}

func (s *RunStats) Set(name string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case RunStatStatus:
		if status, ok := value.(string); ok {
			s.status = status
			return
		}
	case RunStatKernelName:
		if kernelName, ok := value.(string); ok {
			s.kernelName = kernelName
			return
		}
	}

	s.extra[name] = value
}

// BusyRatio returns busy/(busy+idle)*100, rounded to two decimal places. It is 0 before any
// time has been accounted.
func (s *RunStats) BusyRatio() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.busyRatioLocked()
}

func (s *RunStats) busyRatioLocked() decimal.Decimal {
	busy := decimal.NewFromInt(s.busyTime.Nanoseconds())
	total := busy.Add(decimal.NewFromInt(s.idleTime.Nanoseconds()))

	return utils.Percentage(busy, total).Round(busyRatioPlaces)
}

// ExternalRepr brings the accounting up to date and returns a serializable view of the stats.
func (s *RunStats) ExternalRepr() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateLocked("")

	repr := make(map[string]interface{}, len(s.extra)+4)
	for name, value := range s.extra {
		repr[name] = value
	}

	repr[RunStatStatus] = s.status
	repr[RunStatKernelName] = s.kernelName
	repr[RunStatKernelSpec] = s.kernelSpec
	repr[RunStatBusyRatio] = s.busyRatioLocked().InexactFloat64()

	return repr
}

// AppStatus is the external form of one application's stats.
type AppStatus struct {
	AppName string `json:"appName"`
	Status  string `json:"status"`
}

// AppStats holds per-application stats of one kernel, in the order applications were first seen.
type AppStats struct {
	mu   sync.Mutex
	apps *orderedmap.OrderedMap[string, map[string]interface{}]
}

func NewAppStats() *AppStats {
	return &AppStats{
		apps: orderedmap.NewOrderedMap[string, map[string]interface{}](),
	}
}

// Get returns a copy of the stats of an application, or nil if it has none.
func (s *AppStats) Get(appName string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.apps.Get(appName)
	if !ok {
		return nil
	}

	out := make(map[string]interface{}, len(stats))
	for name, value := range stats {
		out[name] = value
	}
	return out
}

func (s *AppStats) GetStat(appName string, statName string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.apps.Get(appName)
	if !ok {
		return nil, false
	}

	value, ok := stats[statName]
	return value, ok
}

func (s *AppStats) Set(appName string, statName string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.apps.Get(appName)
	if !ok {
		stats = make(map[string]interface{})
		s.apps.Set(appName, stats)
	}

	stats[statName] = value
}

func (s *AppStats) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.apps.Len()
}

// ExternalRepr returns the status of every application. An application is in error if it has a
// warm-up exception, and running otherwise.
func (s *AppStats) ExternalRepr() []AppStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	repr := make([]AppStatus, 0, s.apps.Len())
	for el := s.apps.Front(); el != nil; el = el.Next() {
		status := AppStatusRunning
		if exception, ok := el.Value[AppStatWarmupException]; ok && exception != nil {
			status = AppStatusError
		}

		repr = append(repr, AppStatus{AppName: el.Key, Status: status})
	}

	return repr
}

// ClientStats is the external form of a ManagedClient's stats.
type ClientStats struct {
	RunStats map[string]interface{} `json:"run_stats"`
	AppStats []AppStatus            `json:"app_stats"`
}
