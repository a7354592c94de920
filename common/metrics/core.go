package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scusemua/notebook-gateway/common/utils"
)

const (
	Namespace = "notebook_gateway"

	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeFailed  = "failed"

	// stateIdle is the state of kernels that have not been started. It is not tracked by the state gauge.
	stateIdle = "idle"
)

var (
	ErrPrometheusManagerAlreadyRunning = errors.New("PoolPrometheusManager is already running")
	ErrPrometheusManagerNotRunning     = errors.New("PoolPrometheusManager is not running")
	ErrMetricsNotInitialized           = errors.New("the PoolPrometheusManager has not been initialized yet")
)

// PoolPrometheusManager owns the Prometheus metrics of a kernel client pool and serves them at /metrics.
//
// Metrics are kept in a registry private to the manager. All recording methods may be called on a nil
// *PoolPrometheusManager, in which case they do nothing.
type PoolPrometheusManager struct {
	log logger.Logger

	registry          *prometheus.Registry
	prometheusHandler http.Handler
	engine            *gin.Engine
	httpServer        *http.Server

	// ExecutionsCounterVec counts completed executions.
	//
	// This metric requires the following labels:
	//
	// - "kernel_name": the flavor of the kernel that ran the code.
	//
	// - "outcome": "success", "error" (the kernel reported an error) or "failed" (the kernel was lost).
	ExecutionsCounterVec *prometheus.CounterVec

	// ExecutionLatencyMillisecondsVec is the time from submitting code to its terminal message.
	ExecutionLatencyMillisecondsVec *prometheus.HistogramVec

	// OrphanMessagesCounterVec counts messages that answered no pending execution.
	OrphanMessagesCounterVec *prometheus.CounterVec

	// RetryAttemptsCounterVec counts retried attempts to create or connect to a remote kernel.
	RetryAttemptsCounterVec *prometheus.CounterVec

	// KernelStateGaugeVec is the number of kernels in each lifecycle state.
	KernelStateGaugeVec *prometheus.GaugeVec

	// ManagedClientsGauge is the number of clients owned by the pool.
	ManagedClientsGauge prometheus.Gauge

	nodeId string
	port   int
	mu     sync.Mutex

	// serving indicates whether the manager has been started and is serving requests.
	serving            bool
	metricsInitialized bool
}

// NewPoolPrometheusManager creates a new PoolPrometheusManager. Metrics are registered and served by Start.
func NewPoolPrometheusManager(port int, nodeId string) *PoolPrometheusManager {
	registry := prometheus.NewRegistry()
	manager := &PoolPrometheusManager{
		port:              port,
		nodeId:            nodeId,
		registry:          registry,
		prometheusHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}
	config.InitLogger(&manager.log, manager)
	return manager
}

// IsRunning returns true if the PoolPrometheusManager has been started.
func (m *PoolPrometheusManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.serving
}

// NodeId returns the node ID associated with the metrics manager.
func (m *PoolPrometheusManager) NodeId() string {
	return m.nodeId
}

// Registry returns the registry holding the manager's metrics.
func (m *PoolPrometheusManager) Registry() *prometheus.Registry {
	return m.registry
}

// Start registers the metrics and begins serving them via an HTTP endpoint.
// If the configured port is not positive, metrics are recorded but not served.
func (m *PoolPrometheusManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serving {
		m.log.Warn("PoolPrometheusManager of node %s is already running.", m.nodeId)
		return ErrPrometheusManagerAlreadyRunning
	}

	if !m.metricsInitialized {
		if err := m.initializeMetrics(); err != nil {
			return err
		}
	}

	m.serving = true
	m.initializeHttpServer()

	return nil
}

// Stop shuts down the HTTP server.
func (m *PoolPrometheusManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.serving {
		m.log.Warn("PoolPrometheusManager of node %s is not running.", m.nodeId)
		return ErrPrometheusManagerNotRunning
	}

	m.serving = false
	if m.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.httpServer.Shutdown(ctx); err != nil {
		m.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
		return err
	}

	return nil
}

// HandleRequest handles Prometheus HTTP requests (when Prometheus is scraping for metrics).
func (m *PoolPrometheusManager) HandleRequest(c *gin.Context) {
	m.prometheusHandler.ServeHTTP(c.Writer, c.Request)
}

// Handler returns the HTTP handler serving the manager's metrics.
func (m *PoolPrometheusManager) Handler() http.Handler {
	return m.engine
}

func (m *PoolPrometheusManager) initializeHttpServer() {
	m.engine = gin.New()

	// Commented-out for now as I don't want the log messages for Prometheus requests.
	// m.engine.Use(gin.Logger())
	m.engine.Use(gin.Recovery())
	m.engine.Use(cors.Default())

	m.engine.GET("/metrics", m.HandleRequest)

	if m.port <= 0 {
		m.log.Debug("Prometheus Port is set to %d. Not serving HTTP server.", m.port)
		return
	}

	address := fmt.Sprintf("0.0.0.0:%d", m.port)
	m.httpServer = &http.Server{
		Addr:    address,
		Handler: m.engine,
	}

	go func() {
		m.log.Debug("Serving Prometheus metrics at %s", address)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error(utils.RedStyle.Render("HTTP Server failed to listen on '%s'. Error: %v"), address, err)
		}
	}()
}

func (m *PoolPrometheusManager) initializeMetrics() error {
	m.ExecutionsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "executions_total",
		Help:      "The number of code executions that have completed, by outcome.",
	}, []string{"kernel_name", "outcome"})

	m.ExecutionLatencyMillisecondsVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "execution_latency_milliseconds",
		Help:      "Time in milliseconds from submitting code to a kernel to receiving its terminal message.",
		Buckets:   []float64{1, 5, 10, 50, 100, 250, 500, 1000, 5000, 10e3, 30e3, 60e3, 300e3},
	}, []string{"kernel_name"})

	m.OrphanMessagesCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "orphan_messages_total",
		Help:      "The number of kernel messages that did not answer the pending execution.",
	}, []string{"kernel_name"})

	m.RetryAttemptsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "retry_attempts_total",
		Help:      "The number of retried attempts to create or connect to a remote kernel.",
	}, []string{"kernel_name"})

	m.KernelStateGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "kernels",
		Help:      "The number of kernels in each lifecycle state.",
	}, []string{"state"})

	m.ManagedClientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "managed_clients",
		Help:      "The number of kernel clients owned by the pool.",
	})

	if err := m.registry.Register(m.ExecutionsCounterVec); err != nil {
		m.log.Error("Failed to register 'Executions' metric because: %v", err)
		return err
	}

	if err := m.registry.Register(m.ExecutionLatencyMillisecondsVec); err != nil {
		m.log.Error("Failed to register 'Execution Latency Milliseconds' metric because: %v", err)
		return err
	}

	if err := m.registry.Register(m.OrphanMessagesCounterVec); err != nil {
		m.log.Error("Failed to register 'Orphan Messages' metric because: %v", err)
		return err
	}

	if err := m.registry.Register(m.RetryAttemptsCounterVec); err != nil {
		m.log.Error("Failed to register 'Retry Attempts' metric because: %v", err)
		return err
	}

	if err := m.registry.Register(m.KernelStateGaugeVec); err != nil {
		m.log.Error("Failed to register 'Kernel State' metric because: %v", err)
		return err
	}

	if err := m.registry.Register(m.ManagedClientsGauge); err != nil {
		m.log.Error("Failed to register 'Managed Clients' metric because: %v", err)
		return err
	}

	m.metricsInitialized = true
	return nil
}

func (m *PoolPrometheusManager) initialized() bool {
	if m == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.metricsInitialized
}

// ObserveExecution records the outcome and latency of one execution.
func (m *PoolPrometheusManager) ObserveExecution(kernelName string, outcome string, latency time.Duration) error {
	if !m.initialized() {
		return ErrMetricsNotInitialized
	}

	m.ExecutionsCounterVec.With(prometheus.Labels{"kernel_name": kernelName, "outcome": outcome}).Inc()
	m.ExecutionLatencyMillisecondsVec.With(prometheus.Labels{"kernel_name": kernelName}).
		Observe(float64(latency.Microseconds()) / 1.0e3)

	return nil
}

func (m *PoolPrometheusManager) IncrementOrphanMessages(kernelName string) error {
	if !m.initialized() {
		return ErrMetricsNotInitialized
	}

	m.OrphanMessagesCounterVec.With(prometheus.Labels{"kernel_name": kernelName}).Inc()
	return nil
}

func (m *PoolPrometheusManager) IncrementRetryAttempts(kernelName string) error {
	if !m.initialized() {
		return ErrMetricsNotInitialized
	}

	m.RetryAttemptsCounterVec.With(prometheus.Labels{"kernel_name": kernelName}).Inc()
	return nil
}

// KernelStateChanged moves one kernel from the from state to the to state in the state gauge.
func (m *PoolPrometheusManager) KernelStateChanged(from string, to string) error {
	if !m.initialized() {
		return ErrMetricsNotInitialized
	}

	if from != "" && from != stateIdle {
		m.KernelStateGaugeVec.With(prometheus.Labels{"state": from}).Dec()
	}
	if to != "" && to != stateIdle {
		m.KernelStateGaugeVec.With(prometheus.Labels{"state": to}).Inc()
	}

	return nil
}

func (m *PoolPrometheusManager) SetManagedClients(n int) error {
	if !m.initialized() {
		return ErrMetricsNotInitialized
	}

	m.ManagedClientsGauge.Set(float64(n))
	return nil
}
