package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/muesli/termenv"
	"github.com/opentracing/opentracing-go"

	"github.com/scusemua/notebook-gateway/common/configuration"
	"github.com/scusemua/notebook-gateway/common/jupyter"
	"github.com/scusemua/notebook-gateway/common/jupyter/client"
	"github.com/scusemua/notebook-gateway/common/metrics"
	"github.com/scusemua/notebook-gateway/common/store"
	"github.com/scusemua/notebook-gateway/common/tracing"
	"github.com/scusemua/notebook-gateway/common/utils"
	"github.com/scusemua/notebook-gateway/gateway/internal/admin"
	"github.com/scusemua/notebook-gateway/gateway/internal/kernel"
)

const (
	ServiceName = "notebook-gateway"

	shutdownTimeout = 30 * time.Second
)

var (
	options      = configuration.GatewayOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	// Set default options.
	options.PrometheusPort = configuration.DefaultPrometheusPort
	options.AdminPort = configuration.DefaultAdminPort
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

func CreateTracer(options *configuration.GatewayOptions) opentracing.Tracer {
	if options.JaegerAddr == "" {
		return opentracing.NoopTracer{}
	}

	globalLogger.Info("Initializing jaeger agent [service name: %v | host: %v]...", ServiceName, options.JaegerAddr)

	tracer, err := tracing.Init(ServiceName, options.JaegerAddr)
	if err != nil {
		log.Fatalf("Got error while initializing jaeger agent: %v", err)
	}
	globalLogger.Info("Jaeger agent initialized")

	return tracer
}

// CreateTransport builds the transport selected by the options: the remote kernel gateway if one
// is configured, and local kernel processes otherwise.
func CreateTransport(ctx context.Context, options *configuration.GatewayOptions, tracer opentracing.Tracer,
	metricsManager *metrics.PoolPrometheusManager) (client.Transport, error) {

	stateObserver := func(info *client.KernelInfo, from jupyter.KernelState, to jupyter.KernelState) {
		_ = metricsManager.KernelStateChanged(from.String(), to.String())
	}

	if !options.RemoteConfigured() {
		globalLogger.Info("No remote kernel gateway configured. Kernels will be launched locally.")

		specs, err := client.NewKernelSpecManager(options.KernelSpecDirList())
		if err != nil {
			return nil, err
		}

		transportOpts := options.LocalTransportOptions()
		transportOpts.StateObserver = stateObserver

		launcher := client.NewProcessLauncher(os.TempDir(), nil)
		return client.NewLocalTransport(transportOpts, specs, launcher), nil
	}

	globalLogger.Info("Using remote kernel gateway.")

	api, err := client.NewGatewayClient(options.GatewayConfig(), tracer)
	if err != nil {
		return nil, err
	}

	ledger, err := store.NewLedger(ctx, options.LedgerOptions())
	if err != nil {
		return nil, err
	}

	transportOpts := options.RemoteTransportOptions()
	transportOpts.StateObserver = stateObserver
	transportOpts.RetryObserver = func(info *client.KernelInfo, attempt int, err error) {
		globalLogger.Warn(utils.OrangeStyle.Render("Attempt %d for kernel %s (%s) failed: %v"), attempt, info.ID(), info.Name(), err)
		_ = metricsManager.IncrementRetryAttempts(info.Name())
	}

	return client.NewRemoteTransport(transportOpts, api, ledger), nil
}

func main() {
	// Ensure that the options/configuration is valid.
	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the Notebook Gateway with the following options:\n%s\n",
			options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the Notebook Gateway.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer := CreateTracer(&options)

	metricsManager := metrics.NewPoolPrometheusManager(options.PrometheusPort, uuid.NewString())
	if err := metricsManager.Start(); err != nil {
		log.Fatalf("Failed to start Prometheus manager: %v", err)
	}

	transport, err := CreateTransport(ctx, &options, tracer, metricsManager)
	if err != nil {
		log.Fatalf("Failed to create kernel transport: %v", err)
	}

	pool, err := kernel.NewPoolBuilder().
		SetTransport(transport).
		SetMetricsProvider(metricsManager).
		SetOptions(&options).
		Build(ctx)
	if err != nil {
		log.Fatalf("Failed to create managed client pool: %v", err)
	}

	adminServer := admin.NewServer(pool, options.AdminPort, options.AdminExecuteRate)
	if err := adminServer.Start(); err != nil {
		log.Fatalf("Failed to start admin server: %v", err)
	}

	globalLogger.Info(utils.GreenStyle.Render("Notebook Gateway is ready."))

	<-sig
	globalLogger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := adminServer.Stop(); err != nil {
		globalLogger.Warn("Failed to stop admin server: %v", err)
	}

	if err := pool.Close(shutdownCtx); err != nil {
		globalLogger.Error(utils.RedStyle.Render("Error while closing managed client pool: %v"), err)
	}

	if err := metricsManager.Stop(); err != nil {
		globalLogger.Warn("Failed to stop Prometheus manager: %v", err)
	}
}
