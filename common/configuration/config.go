package configuration

import (
	"fmt"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"

	"github.com/scusemua/notebook-gateway/common/jupyter/client"
	"github.com/scusemua/notebook-gateway/common/store"
	"github.com/scusemua/notebook-gateway/common/utils"
)

const (
	DefaultMaxRetries          = client.DefaultMaxRetries
	DefaultRetryDelayMs        = 5000
	DefaultHeartbeatIntervalMs = 5000
	DefaultHeartbeatTimeoutMs  = 15000
	DefaultPrometheusPort      = 8089
	DefaultAdminPort           = 8090
)

var (
	ErrInvalidOption = fmt.Errorf("invalid option")
)

// GatewayOptions configures the kernel client pool and the process that hosts it.
//
// A remote kernel gateway is used if either RemoteGateway or RemoteGatewayHost is set; otherwise
// kernels are launched locally from the kernelspecs found in KernelSpecDirs.
type GatewayOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	RemoteGateway         string `name:"remote-gateway"          json:"remote_gateway"          yaml:"remote_gateway"          description:"Full URL of the remote kernel gateway. Requests use HTTP basic authentication."`
	RemoteGatewayUser     string `name:"remote-gateway-user"     json:"remote_gateway_user"     yaml:"remote_gateway_user"     description:"User for HTTP basic authentication with the remote kernel gateway."`
	RemoteGatewayPassword string `name:"remote-gateway-password" json:"-"                       yaml:"remote_gateway_password" description:"Password for HTTP basic authentication with the remote kernel gateway."`
	RemoteGatewayProtocol string `name:"remote-gateway-protocol" json:"remote_gateway_protocol" yaml:"remote_gateway_protocol" description:"Protocol of the remote kernel gateway when it is addressed by host and port ('http' or 'https')."`
	RemoteGatewayHost     string `name:"remote-gateway-host"     json:"remote_gateway_host"     yaml:"remote_gateway_host"     description:"Host of the remote kernel gateway."`
	RemoteGatewayPort     int    `name:"remote-gateway-port"     json:"remote_gateway_port"     yaml:"remote_gateway_port"     description:"Port of the remote kernel gateway."`
	RemoteGatewayToken    string `name:"remote-gateway-token"    json:"-"                       yaml:"remote_gateway_token"    description:"Token passed to the remote kernel gateway as the 'token' query parameter."`

	KernelEnvPrefix    string `name:"kernel-env-prefix"    json:"kernel_env_prefix"    yaml:"kernel_env_prefix"    description:"Environment variables with this prefix are forwarded to new remote kernels."`
	KernelEnvWhitelist string `name:"kernel-env-whitelist" json:"kernel_env_whitelist" yaml:"kernel_env_whitelist" description:"Comma-separated names of additional environment variables forwarded to new remote kernels. Defaults to $KG_ENV_WHITELIST."`

	PrependExecuteCode string `name:"prepend-execute-code" json:"prepend_execute_code" yaml:"prepend_execute_code" description:"Code prepended to every code fragment submitted to a kernel."`
	InitCode           string `name:"init-code"            json:"init_code"            yaml:"init_code"            description:"Code executed when a kernel starts. It may print {\"installed_modules\": [...]} to report the modules already installed."`

	MaxRetries          int `name:"max-retries"           json:"max_retries"           yaml:"max_retries"           description:"Number of consecutive failures to create or connect to a remote kernel before it is marked as failed."`
	RetryDelayMs        int `name:"retry-delay-ms"        json:"retry_delay_ms"        yaml:"retry_delay_ms"        description:"Delay in milliseconds before a failed remote kernel creation or connection is retried."`
	HeartbeatIntervalMs int `name:"heartbeat-interval-ms" json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms" description:"Interval in milliseconds between pings on a remote kernel's channel."`
	HeartbeatTimeoutMs  int `name:"heartbeat-timeout-ms"  json:"heartbeat_timeout_ms"  yaml:"heartbeat_timeout_ms"  description:"Time in milliseconds after which an unanswered ping marks a remote kernel's channel as lost."`

	KernelSpecDirs string `name:"kernelspec-dirs" json:"kernelspec_dirs" yaml:"kernelspec_dirs" description:"Comma-separated kernelspec directories searched for local kernels. Defaults to the Jupyter data directories."`
	DefaultKernel  string `name:"default-kernel"  json:"default_kernel"  yaml:"default_kernel"  description:"Kernel flavor started when an application does not name one."`

	Ledger            string `name:"ledger"              json:"ledger"              yaml:"ledger"              description:"Where remote kernels created by this process are recorded: 'memory' or 'redis'."`
	RedisAddr         string `name:"redis-addr"          json:"redis_addr"          yaml:"redis_addr"          description:"Address of the Redis server used by the 'redis' ledger."`
	RedisPassword     string `name:"redis-password"      json:"-"                   yaml:"redis_password"      description:"Password of the Redis server used by the 'redis' ledger."`
	RedisDatabase     int    `name:"redis-db"            json:"redis_db"            yaml:"redis_db"            description:"Database number used by the 'redis' ledger."`
	CleanupAllKernels bool   `name:"cleanup-all-kernels" json:"cleanup_all_kernels" yaml:"cleanup_all_kernels" description:"Delete every kernel the remote gateway lists at start-up, not only the kernels recorded in the ledger."`

	PrometheusPort   int     `name:"prometheus-port"    json:"prometheus_port"    yaml:"prometheus_port"    description:"Port on which Prometheus metrics are served. Set to a negative value to disable."`
	AdminPort        int     `name:"admin-port"         json:"admin_port"         yaml:"admin_port"         description:"Port of the admin HTTP server. Set to a negative value to disable."`
	AdminExecuteRate float64 `name:"admin-execute-rate" json:"admin_execute_rate" yaml:"admin_execute_rate" description:"Maximum number of admin execute requests per second. 0 disables the limit."`
	JaegerAddr       string  `name:"jaeger"             json:"jaeger_addr"        yaml:"jaeger_addr"        description:"Jaeger agent address."`

	// PrettyPrintOptions, when true, instructs the driver to pretty-print the GatewayOptions struct
	// when the program first begins running.
	PrettyPrintOptions bool `name:"pretty-print-options" json:"pretty_print_options" yaml:"pretty_print_options"`
}

// Validate fills in defaults and checks the options. It is called by config.ValidateOptions.
func (opts *GatewayOptions) Validate() error {
	if opts.KernelEnvPrefix == "" {
		opts.KernelEnvPrefix = client.DefaultEnvPrefix
	}
	if opts.KernelEnvWhitelist == "" {
		opts.KernelEnvWhitelist = utils.GetEnv(client.EnvWhitelistVariable, "")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelayMs <= 0 {
		opts.RetryDelayMs = DefaultRetryDelayMs
	}
	if opts.HeartbeatIntervalMs <= 0 {
		opts.HeartbeatIntervalMs = DefaultHeartbeatIntervalMs
	}
	if opts.HeartbeatTimeoutMs <= 0 {
		opts.HeartbeatTimeoutMs = DefaultHeartbeatTimeoutMs
	}
	if opts.DefaultKernel = strings.TrimSpace(opts.DefaultKernel); opts.DefaultKernel == "" {
		opts.DefaultKernel = client.DefaultKernelName
	}
	if opts.Ledger == "" {
		opts.Ledger = store.LedgerMemory
	}
	if opts.PrometheusPort == 0 {
		opts.PrometheusPort = DefaultPrometheusPort
	}
	if opts.AdminPort == 0 {
		opts.AdminPort = DefaultAdminPort
	}

	if opts.Ledger != store.LedgerMemory && opts.Ledger != store.LedgerRedis {
		return fmt.Errorf("%w: ledger must be '%s' or '%s', got '%s'", ErrInvalidOption, store.LedgerMemory, store.LedgerRedis, opts.Ledger)
	}
	if opts.Ledger == store.LedgerRedis && opts.RedisAddr == "" {
		return fmt.Errorf("%w: the redis ledger requires --redis-addr", ErrInvalidOption)
	}
	if opts.RemoteGateway == "" && opts.RemoteGatewayHost != "" && opts.RemoteGatewayPort <= 0 {
		return fmt.Errorf("%w: --remote-gateway-host requires --remote-gateway-port", ErrInvalidOption)
	}
	if opts.AdminExecuteRate < 0 {
		return fmt.Errorf("%w: --admin-execute-rate must not be negative", ErrInvalidOption)
	}

	return nil
}

// RemoteConfigured returns true if kernels are hosted by a remote kernel gateway.
func (opts *GatewayOptions) RemoteConfigured() bool {
	return opts.RemoteGateway != "" || opts.RemoteGatewayHost != ""
}

func (opts *GatewayOptions) GatewayConfig() client.GatewayConfig {
	return client.GatewayConfig{
		URL:      opts.RemoteGateway,
		User:     opts.RemoteGatewayUser,
		Password: opts.RemoteGatewayPassword,
		Protocol: opts.RemoteGatewayProtocol,
		Host:     opts.RemoteGatewayHost,
		Port:     opts.RemoteGatewayPort,
		Token:    opts.RemoteGatewayToken,
	}
}

func (opts *GatewayOptions) RemoteTransportOptions() client.RemoteTransportOptions {
	return client.RemoteTransportOptions{
		DefaultKernel:     opts.DefaultKernel,
		MaxRetries:        opts.MaxRetries,
		RetryDelay:        time.Duration(opts.RetryDelayMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(opts.HeartbeatIntervalMs) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(opts.HeartbeatTimeoutMs) * time.Millisecond,
		EnvPrefix:         opts.KernelEnvPrefix,
		EnvWhitelist:      utils.SplitList(opts.KernelEnvWhitelist),
		CleanupAllKernels: opts.CleanupAllKernels,
	}
}

func (opts *GatewayOptions) LocalTransportOptions() client.LocalTransportOptions {
	return client.LocalTransportOptions{
		DefaultKernel: opts.DefaultKernel,
	}
}

// KernelSpecDirList returns the kernelspec directories to search, falling back to the Jupyter
// data directories if none are configured.
func (opts *GatewayOptions) KernelSpecDirList() []string {
	if dirs := utils.SplitList(opts.KernelSpecDirs); len(dirs) > 0 {
		return dirs
	}

	return client.DefaultKernelSpecDirs()
}

func (opts *GatewayOptions) LedgerOptions() store.LedgerOptions {
	return store.LedgerOptions{
		Type:          opts.Ledger,
		RedisAddr:     opts.RedisAddr,
		RedisPassword: opts.RedisPassword,
		RedisDatabase: opts.RedisDatabase,
	}
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *GatewayOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *GatewayOptions) Clone() *GatewayOptions {
	clone := *opts
	return &clone
}

func (opts *GatewayOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}
