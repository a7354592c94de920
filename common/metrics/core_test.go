package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/scusemua/notebook-gateway/common/metrics"
)

var _ = Describe("PoolPrometheusManager", func() {
	var manager *metrics.PoolPrometheusManager

	BeforeEach(func() {
		manager = metrics.NewPoolPrometheusManager(-1, "test")
	})

	AfterEach(func() {
		if manager.IsRunning() {
			Expect(manager.Stop()).To(Succeed())
		}
	})

	It("should refuse to record before it is started", func() {
		Expect(manager.ObserveExecution("python3", metrics.OutcomeSuccess, time.Millisecond)).To(MatchError(metrics.ErrMetricsNotInitialized))
		Expect(manager.SetManagedClients(1)).To(MatchError(metrics.ErrMetricsNotInitialized))
	})

	It("should ignore recordings on a nil manager", func() {
		var nilManager *metrics.PoolPrometheusManager
		Expect(nilManager.IncrementOrphanMessages("python3")).To(MatchError(metrics.ErrMetricsNotInitialized))
	})

	It("should not be started twice", func() {
		Expect(manager.Start()).To(Succeed())
		Expect(manager.Start()).To(MatchError(metrics.ErrPrometheusManagerAlreadyRunning))
		Expect(manager.Stop()).To(Succeed())
		Expect(manager.Stop()).To(MatchError(metrics.ErrPrometheusManagerNotRunning))
	})

	Context("when started", func() {
		BeforeEach(func() {
			Expect(manager.Start()).To(Succeed())
		})

		It("should count executions by outcome", func() {
			Expect(manager.ObserveExecution("python3", metrics.OutcomeSuccess, 10*time.Millisecond)).To(Succeed())
			Expect(manager.ObserveExecution("python3", metrics.OutcomeSuccess, 20*time.Millisecond)).To(Succeed())
			Expect(manager.ObserveExecution("python3", metrics.OutcomeError, 5*time.Millisecond)).To(Succeed())

			Expect(testutil.ToFloat64(manager.ExecutionsCounterVec.WithLabelValues("python3", metrics.OutcomeSuccess))).To(Equal(2.0))
			Expect(testutil.ToFloat64(manager.ExecutionsCounterVec.WithLabelValues("python3", metrics.OutcomeError))).To(Equal(1.0))
			Expect(testutil.CollectAndCount(manager.ExecutionLatencyMillisecondsVec)).To(Equal(1))
		})

		It("should track kernels by state, ignoring the idle state", func() {
			Expect(manager.KernelStateChanged("idle", "starting")).To(Succeed())
			Expect(manager.KernelStateChanged("starting", "connecting")).To(Succeed())
			Expect(manager.KernelStateChanged("connecting", "running")).To(Succeed())
			Expect(manager.KernelStateChanged("idle", "starting")).To(Succeed())

			Expect(testutil.ToFloat64(manager.KernelStateGaugeVec.WithLabelValues("starting"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(manager.KernelStateGaugeVec.WithLabelValues("connecting"))).To(Equal(0.0))
			Expect(testutil.ToFloat64(manager.KernelStateGaugeVec.WithLabelValues("running"))).To(Equal(1.0))
		})

		It("should count orphan messages and retries", func() {
			Expect(manager.IncrementOrphanMessages("ir")).To(Succeed())
			Expect(manager.IncrementRetryAttempts("ir")).To(Succeed())
			Expect(manager.IncrementRetryAttempts("ir")).To(Succeed())
			Expect(manager.SetManagedClients(3)).To(Succeed())

			Expect(testutil.ToFloat64(manager.OrphanMessagesCounterVec.WithLabelValues("ir"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(manager.RetryAttemptsCounterVec.WithLabelValues("ir"))).To(Equal(2.0))
			Expect(testutil.ToFloat64(manager.ManagedClientsGauge)).To(Equal(3.0))
		})

		It("should serve the metrics at /metrics", func() {
			Expect(manager.SetManagedClients(2)).To(Succeed())

			recorder := httptest.NewRecorder()
			manager.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			Expect(recorder.Code).To(Equal(http.StatusOK))
			Expect(recorder.Body.String()).To(ContainSubstring("notebook_gateway_managed_clients 2"))
		})
	})
})
