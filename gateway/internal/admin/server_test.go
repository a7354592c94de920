package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/notebook-gateway/common/configuration"
	"github.com/scusemua/notebook-gateway/common/jupyter/client"
	"github.com/scusemua/notebook-gateway/gateway/internal/admin"
	"github.com/scusemua/notebook-gateway/gateway/internal/kernel"
	"github.com/scusemua/notebook-gateway/testing/fake_kernel"
)

var _ = Describe("Admin Server", func() {
	var (
		launcher *fake_kernel.Launcher
		pool     *kernel.ManagedClientPool
		server   *admin.Server
		ctx      context.Context
		cancel   context.CancelFunc
	)

	specs := client.StaticKernelSpecs{
		"python3": {
			Name: "python3",
			Spec: client.KernelSpecFile{DisplayName: "Python 3", Language: "python"},
		},
		"ir": {
			Name: "ir",
			Spec: client.KernelSpecFile{DisplayName: "R", Language: "R"},
		},
	}

	do := func(method string, path string, body interface{}) *httptest.ResponseRecorder {
		var payload bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&payload).Encode(body)).To(Succeed())
		}

		req := httptest.NewRequest(method, path, &payload)
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder, out interface{}) {
		Expect(json.Unmarshal(rec.Body.Bytes(), out)).To(Succeed())
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
		launcher = fake_kernel.NewLauncher()

		transport := client.NewLocalTransport(client.LocalTransportOptions{
			ReadyTimeout:      10 * time.Second,
			DialRetryInterval: 50 * time.Millisecond,
		}, specs, launcher)

		opts := &configuration.GatewayOptions{}
		Expect(opts.Validate()).To(Succeed())

		var err error
		pool, err = kernel.NewPoolBuilder().SetTransport(transport).SetOptions(opts).Build(ctx)
		Expect(err).To(BeNil())

		server = admin.NewServer(pool, -1, 0)
		Expect(server.Start()).To(Succeed())
	})

	AfterEach(func() {
		Expect(server.Stop()).To(Succeed())
		_ = pool.Close(ctx)
		for _, proc := range launcher.Processes() {
			proc.Kill()
		}
		cancel()
	})

	It("should not be started twice", func() {
		Expect(server.Start()).To(MatchError(admin.ErrServerAlreadyRunning))
	})

	It("should serve empty stats before any kernel is started", func() {
		rec := do(http.MethodGet, "/stats", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("{}"))
	})

	It("should list the python kernel flavors", func() {
		rec := do(http.MethodGet, "/stats/kernels", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var flavors map[string]map[string]interface{}
		decode(rec, &flavors)
		Expect(flavors).To(HaveLen(1))
		Expect(flavors["python3"]).To(HaveKeyWithValue("default", true))
		Expect(flavors["python3"]).To(HaveKeyWithValue("name", "python3"))
	})

	It("should list every kernelspec", func() {
		rec := do(http.MethodGet, "/kernelspecs", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var listed map[string]*client.KernelSpec
		decode(rec, &listed)
		Expect(listed).To(HaveKey("python3"))
		Expect(listed).To(HaveKey("ir"))
	})

	It("should execute code and report the kernel's state", func() {
		rec := do(http.MethodPost, "/execute", admin.ExecuteRequest{Code: "1+1"})
		Expect(rec.Code).To(Equal(http.StatusOK))

		var resp admin.ExecuteResponse
		decode(rec, &resp)
		Expect(resp.KernelID).ToNot(BeEmpty())
		Expect(resp.Result).To(ContainSubstring(`"text/plain":"2"`))

		rec = do(http.MethodGet, "/kernels/"+resp.KernelID, nil)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var state client.ExecutionState
		decode(rec, &state)
		Expect(state.Status).To(Equal("running"))
		Expect(state.LogMessages).ToNot(BeEmpty())

		rec = do(http.MethodGet, "/stats?kernel_id="+resp.KernelID, nil)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var stats map[string]*kernel.ClientStats
		decode(rec, &stats)
		Expect(stats).To(HaveKey(resp.KernelID))
		Expect(stats[resp.KernelID].RunStats).To(HaveKeyWithValue(kernel.RunStatKernelName, "python3"))
	})

	It("should return errors raised by the kernel", func() {
		rec := do(http.MethodPost, "/execute", admin.ExecuteRequest{Code: `raise KeyError("missing")`})
		Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))

		var resp admin.ExecuteResponse
		decode(rec, &resp)
		Expect(resp.Error).ToNot(BeNil())
		Expect(resp.Error.Name).To(Equal("KeyError"))
		Expect(resp.Error.Value).To(Equal("missing"))
	})

	It("should finish executions whose client has gone away", func() {
		var payload bytes.Buffer
		Expect(json.NewEncoder(&payload).Encode(admin.ExecuteRequest{Code: "1+1"})).To(Succeed())

		reqCtx, reqCancel := context.WithCancel(ctx)
		reqCancel()

		req := httptest.NewRequest(http.MethodPost, "/execute", &payload).WithContext(reqCtx)
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var resp admin.ExecuteResponse
		decode(rec, &resp)
		Expect(resp.Result).To(ContainSubstring(`"text/plain":"2"`))

		managed := pool.GetByID(resp.KernelID)
		Expect(managed).ToNot(BeNil())
		Expect(managed.Info().NumPending()).To(Equal(0))
	})

	It("should start a kernel of the preferred flavor", func() {
		rec := do(http.MethodPost, "/execute", admin.ExecuteRequest{Code: "2+2", PrefKernel: "ir"})
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(pool.Clients()).To(HaveLen(1))
		Expect(pool.Clients()[0].KernelName()).To(Equal("ir"))
	})

	It("should reject requests without code", func() {
		rec := do(http.MethodPost, "/execute", map[string]string{"pref_kernel": "python3"})
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("should return 404 for unknown kernels", func() {
		rec := do(http.MethodGet, "/kernels/unknown", nil)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("should return 503 once the pool is closed", func() {
		Expect(pool.Close(ctx)).To(Succeed())

		rec := do(http.MethodPost, "/execute", admin.ExecuteRequest{Code: "1+1"})
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
	})

	Context("with a rate limit", func() {
		BeforeEach(func() {
			Expect(server.Stop()).To(Succeed())
			server = admin.NewServer(pool, -1, 0.001)
			Expect(server.Start()).To(Succeed())
		})

		It("should reject executions above the rate", func() {
			rec := do(http.MethodPost, "/execute", admin.ExecuteRequest{Code: "1+1"})
			Expect(rec.Code).To(Equal(http.StatusOK))

			rec = do(http.MethodPost, "/execute", admin.ExecuteRequest{Code: "1+1"})
			Expect(rec.Code).To(Equal(http.StatusTooManyRequests))

			rec = do(http.MethodGet, "/stats", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
		})
	})
})
