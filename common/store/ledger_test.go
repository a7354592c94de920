package store_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/notebook-gateway/common/store"
)

// describeLedger runs the KernelLedger contract against the ledger returned by newLedger.
func describeLedger(newLedger func() store.KernelLedger) {
	var (
		ledger store.KernelLedger
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		ledger = newLedger()
	})

	AfterEach(func() {
		if ledger != nil {
			Expect(ledger.Close()).To(Succeed())
			ledger = nil
		}
	})

	It("should start out empty", func() {
		kernels, err := ledger.List(ctx)
		Expect(err).To(BeNil())
		Expect(kernels).To(BeEmpty())
	})

	It("should list recorded kernels with their flavors", func() {
		Expect(ledger.Record(ctx, "kernel-b", "python3")).To(Succeed())
		Expect(ledger.Record(ctx, "kernel-a", "ir")).To(Succeed())

		kernels, err := ledger.List(ctx)
		Expect(err).To(BeNil())
		Expect(kernels).To(Equal(map[string]string{"kernel-a": "ir", "kernel-b": "python3"}))
		Expect(store.SortedIDs(kernels)).To(Equal([]string{"kernel-a", "kernel-b"}))
	})

	It("should forget kernels", func() {
		Expect(ledger.Record(ctx, "kernel-a", "python3")).To(Succeed())
		Expect(ledger.Forget(ctx, "kernel-a")).To(Succeed())
		Expect(ledger.Forget(ctx, "never-recorded")).To(Succeed())

		kernels, err := ledger.List(ctx)
		Expect(err).To(BeNil())
		Expect(kernels).To(BeEmpty())
	})

	It("should overwrite the flavor of a kernel recorded twice", func() {
		Expect(ledger.Record(ctx, "kernel-a", "python3")).To(Succeed())
		Expect(ledger.Record(ctx, "kernel-a", "ir")).To(Succeed())

		kernels, err := ledger.List(ctx)
		Expect(err).To(BeNil())
		Expect(kernels).To(HaveLen(1))
		Expect(kernels).To(HaveKeyWithValue("kernel-a", "ir"))
	})
}

var _ = Describe("KernelLedger", func() {
	Context("Memory", func() {
		describeLedger(func() store.KernelLedger {
			return store.NewMemoryLedger()
		})

		It("should return a copy from List", func() {
			ledger := store.NewMemoryLedger()
			Expect(ledger.Record(context.Background(), "kernel-a", "python3")).To(Succeed())

			kernels, err := ledger.List(context.Background())
			Expect(err).To(BeNil())
			kernels["kernel-b"] = "ir"

			kernels, err = ledger.List(context.Background())
			Expect(err).To(BeNil())
			Expect(kernels).To(HaveLen(1))
		})
	})

	Context("Redis", func() {
		redisAddr := os.Getenv("REDIS_ADDR")

		BeforeEach(func() {
			if redisAddr == "" {
				Skip("REDIS_ADDR is not set")
			}
		})

		describeLedger(func() store.KernelLedger {
			prefix := fmt.Sprintf("ledger-test-%s", uuid.NewString())
			ledger, err := store.NewRedisLedger(context.Background(), redisAddr, os.Getenv("REDIS_PASSWORD"), 0, prefix)
			Expect(err).To(BeNil())
			Expect(ledger.Key()).To(Equal(prefix + ":kernels"))
			return ledger
		})
	})

	Context("NewLedger", func() {
		It("should default to the memory ledger", func() {
			ledger, err := store.NewLedger(context.Background(), store.LedgerOptions{})
			Expect(err).To(BeNil())
			Expect(ledger).To(BeAssignableToTypeOf(&store.MemoryLedger{}))
		})

		It("should reject unknown ledger types", func() {
			_, err := store.NewLedger(context.Background(), store.LedgerOptions{Type: "etcd"})
			Expect(err).To(MatchError(store.ErrUnknownLedger))
		})

		It("should fail when redis is unreachable", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			_, err := store.NewLedger(ctx, store.LedgerOptions{Type: store.LedgerRedis, RedisAddr: "127.0.0.1:1"})
			Expect(err).ToNot(BeNil())
		})
	})
})
