package admin

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
	"golang.org/x/time/rate"

	"github.com/scusemua/notebook-gateway/common/jupyter"
	"github.com/scusemua/notebook-gateway/common/utils"
	"github.com/scusemua/notebook-gateway/gateway/internal/kernel"
)

const (
	statsRoute        = "/stats"
	statsKernelsRoute = "/stats/kernels"
	kernelRoute       = "/kernels/:id"
	kernelSpecsRoute  = "/kernelspecs"
	executeRoute      = "/execute"

	// executeBurst is the number of executions admitted at once when rate limiting is enabled.
	executeBurst = 1
)

var (
	ErrServerAlreadyRunning = errors.New("admin server is already running")
	ErrServerNotRunning     = errors.New("admin server is not running")
)

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Code       string `json:"code" binding:"required"`
	PrefKernel string `json:"pref_kernel,omitempty"`
	App        string `json:"app,omitempty"`
}

// ExecuteResponse is the body returned by POST /execute.
type ExecuteResponse struct {
	KernelID string                 `json:"kernel_id"`
	Result   interface{}            `json:"result,omitempty"`
	Error    *kernel.ExecutionError `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes the state of a ManagedClientPool over HTTP and lets operators run code in its kernels.
type Server struct {
	log logger.Logger

	pool    *kernel.ManagedClientPool
	limiter *rate.Limiter

	engine     *gin.Engine
	httpServer *http.Server
	port       int

	mu      sync.Mutex
	serving bool

	// ctx bounds executions started through the server. It outlives the requests that start
	// them and is cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a Server for pool. If executeRate is positive, POST /execute admits at most
// executeRate requests per second and rejects the rest with 429.
func NewServer(pool *kernel.ManagedClientPool, port int, executeRate float64) *Server {
	s := &Server{
		pool: pool,
		port: port,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	config.InitLogger(&s.log, s)

	if executeRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(executeRate), executeBurst)
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(cors.Default())

	s.engine.GET(statsRoute, s.Stats)
	s.engine.GET(statsKernelsRoute, s.StatsKernels)
	s.engine.GET(kernelSpecsRoute, s.KernelSpecs)
	s.engine.GET(kernelRoute, s.Kernel)
	s.engine.POST(executeRoute, s.rateLimited, s.Execute)
}

// Handler returns the HTTP handler serving the admin routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Stats serves the stats of every client, or of the kernel named by the "kernel_id" query parameter.
func (s *Server) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.GetStats(c.Query("kernel_id")))
}

// StatsKernels serves the kernel flavors of the language given by the "language" query parameter.
func (s *Server) StatsKernels(c *gin.Context) {
	flavors, err := s.pool.StatsKernels(c.Request.Context(), c.Query("language"))
	if err != nil {
		s.log.Error("Failed to list kernel flavors: %v", err)
		c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, flavors)
}

func (s *Server) KernelSpecs(c *gin.Context) {
	specs, err := s.pool.ListFlavors(c.Request.Context())
	if err != nil {
		s.log.Error("Failed to list kernelspecs: %v", err)
		c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, specs)
}

// Kernel serves the execution state of one kernel.
func (s *Server) Kernel(c *gin.Context) {
	kernelID := c.Param("id")

	managed := s.pool.GetByID(kernelID)
	if managed == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: fmt.Sprintf("%v: %s", jupyter.ErrUnknownKernel, kernelID)})
		return
	}

	info := managed.Info()
	if info == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: fmt.Sprintf("%v: %s", jupyter.ErrUnknownKernel, kernelID)})
		return
	}

	c.JSON(http.StatusOK, info.Snapshot())
}

// Execute runs code in the client of the requested flavor and waits for its result.
//
// The execution is not tied to the request: a client that disconnects does not release the
// kernel's lock before the kernel has finished running the code.
func (s *Server) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ctx := s.serverContext()
	app := &kernel.AppDefinition{Name: req.App, PrefKernel: req.PrefKernel}

	managed, err := s.pool.Get(ctx, app)
	if err != nil {
		s.log.Warn(utils.OrangeStyle.Render("Could not get a kernel for \"%s\": %v"), req.PrefKernel, err)
		c.JSON(statusOf(err), errorResponse{Error: err.Error()})
		return
	}

	var result interface{}
	err = managed.WithLock(ctx, func() error {
		exec, err := managed.ExecuteCode(ctx, req.Code, nil)
		if err != nil {
			return err
		}

		result, err = exec.Wait(ctx)
		return err
	})

	resp := ExecuteResponse{KernelID: managed.KernelID(), Result: result}

	var execErr *kernel.ExecutionError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.As(err, &execErr):
		resp.Error = execErr
		c.JSON(http.StatusUnprocessableEntity, resp)
	default:
		s.log.Warn("Execution on kernel %s failed: %v", managed.KernelID(), err)
		c.JSON(statusOf(err), errorResponse{Error: err.Error()})
	}
}

func (s *Server) serverContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ctx
}

func (s *Server) rateLimited(c *gin.Context) {
	if s.limiter != nil && !s.limiter.Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: "too many execute requests"})
		return
	}

	c.Next()
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, kernel.ErrPoolClosed), errors.Is(err, jupyter.ErrKernelNotAvailable),
		errors.Is(err, jupyter.ErrKernelLost), errors.Is(err, jupyter.ErrKernelClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Start begins serving the admin routes. Nothing is served if the port is not positive.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.serving {
		return ErrServerAlreadyRunning
	}
	s.serving = true

	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}

	if s.port <= 0 {
		s.log.Debug("Admin port is set to %d. Not serving HTTP server.", s.port)
		return nil
	}

	address := fmt.Sprintf("0.0.0.0:%d", s.port)
	s.httpServer = &http.Server{
		Addr:    address,
		Handler: s.engine,
	}

	go func() {
		s.log.Debug("Serving admin routes at %s", address)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(utils.RedStyle.Render("HTTP Server failed to listen on '%s'. Error: %v"), address, err)
		}
	}()

	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.serving {
		return ErrServerNotRunning
	}
	s.serving = false
	s.cancel()

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}
