package configuration_test

import (
	"time"

	"github.com/Scusemua/go-utils/config"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/notebook-gateway/common/configuration"
	"github.com/scusemua/notebook-gateway/common/jupyter/client"
	"github.com/scusemua/notebook-gateway/common/store"
)

var _ = Describe("GatewayOptions", func() {
	It("should fill in defaults", func() {
		opts := &configuration.GatewayOptions{}
		Expect(opts.Validate()).To(Succeed())

		Expect(opts.KernelEnvPrefix).To(Equal("KERNEL_"))
		Expect(opts.MaxRetries).To(Equal(5))
		Expect(opts.RetryDelayMs).To(Equal(5000))
		Expect(opts.HeartbeatIntervalMs).To(Equal(5000))
		Expect(opts.HeartbeatTimeoutMs).To(Equal(15000))
		Expect(opts.DefaultKernel).To(Equal(client.DefaultKernelName))
		Expect(opts.Ledger).To(Equal(store.LedgerMemory))
		Expect(opts.RemoteConfigured()).To(BeFalse())
	})

	It("should keep explicit values", func() {
		opts := &configuration.GatewayOptions{
			MaxRetries:    2,
			RetryDelayMs:  100,
			DefaultKernel: "  ir ",
		}
		Expect(opts.Validate()).To(Succeed())

		remote := opts.RemoteTransportOptions()
		Expect(remote.MaxRetries).To(Equal(2))
		Expect(remote.RetryDelay).To(Equal(100 * time.Millisecond))
		Expect(remote.DefaultKernel).To(Equal("ir"))
	})

	It("should select the remote transport if a gateway URL or host is configured", func() {
		opts := &configuration.GatewayOptions{RemoteGateway: "https://gateway.example.com"}
		Expect(opts.Validate()).To(Succeed())
		Expect(opts.RemoteConfigured()).To(BeTrue())
		Expect(opts.GatewayConfig().URL).To(Equal("https://gateway.example.com"))

		opts = &configuration.GatewayOptions{RemoteGatewayHost: "localhost", RemoteGatewayPort: 8888, RemoteGatewayToken: "t"}
		Expect(opts.Validate()).To(Succeed())
		Expect(opts.RemoteConfigured()).To(BeTrue())

		gatewayConfig := opts.GatewayConfig()
		Expect(gatewayConfig.Configured()).To(BeTrue())
		Expect(gatewayConfig.Port).To(Equal(8888))
		Expect(gatewayConfig.Token).To(Equal("t"))
	})

	It("should reject a host without a port", func() {
		opts := &configuration.GatewayOptions{RemoteGatewayHost: "localhost"}
		Expect(opts.Validate()).To(MatchError(configuration.ErrInvalidOption))
	})

	It("should reject unknown ledgers and a redis ledger without an address", func() {
		opts := &configuration.GatewayOptions{Ledger: "etcd"}
		Expect(opts.Validate()).To(MatchError(configuration.ErrInvalidOption))

		opts = &configuration.GatewayOptions{Ledger: store.LedgerRedis}
		Expect(opts.Validate()).To(MatchError(configuration.ErrInvalidOption))

		opts = &configuration.GatewayOptions{Ledger: store.LedgerRedis, RedisAddr: "localhost:6379", RedisDatabase: 3}
		Expect(opts.Validate()).To(Succeed())
		Expect(opts.LedgerOptions().RedisDatabase).To(Equal(3))
	})

	It("should split the environment whitelist and kernelspec directories", func() {
		opts := &configuration.GatewayOptions{
			KernelEnvWhitelist: "HOME, PATH,,",
			KernelSpecDirs:     "/a, /b",
		}
		Expect(opts.Validate()).To(Succeed())

		Expect(opts.RemoteTransportOptions().EnvWhitelist).To(Equal([]string{"HOME", "PATH"}))
		Expect(opts.KernelSpecDirList()).To(Equal([]string{"/a", "/b"}))
	})

	It("should parse command line flags", func() {
		opts := &configuration.GatewayOptions{}
		_, err := config.ValidateOptionsWithFlags(opts, "--remote-gateway", "http://localhost:8888", "--max-retries", "3", "--cleanup-all-kernels")
		Expect(err).To(BeNil())

		Expect(opts.RemoteGateway).To(Equal("http://localhost:8888"))
		Expect(opts.MaxRetries).To(Equal(3))
		Expect(opts.CleanupAllKernels).To(BeTrue())
		Expect(opts.RetryDelayMs).To(Equal(configuration.DefaultRetryDelayMs))
	})

	It("should not include secrets in its string form", func() {
		opts := &configuration.GatewayOptions{
			RemoteGateway:         "https://gateway.example.com",
			RemoteGatewayPassword: "hunter2",
			RedisPassword:         "swordfish",
		}
		Expect(opts.Validate()).To(Succeed())

		Expect(opts.String()).To(ContainSubstring("gateway.example.com"))
		Expect(opts.String()).ToNot(ContainSubstring("hunter2"))
		Expect(opts.PrettyString(2)).ToNot(ContainSubstring("swordfish"))
		Expect(opts.Clone()).To(Equal(opts))
	})
})
