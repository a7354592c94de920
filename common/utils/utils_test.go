package utils_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/scusemua/notebook-gateway/common/utils"
	"github.com/scusemua/notebook-gateway/common/utils/hashmap"
)

var _ = Describe("Utils", func() {
	Context("FilterEnvironment", func() {
		It("should keep prefixed and whitelisted variables only", func() {
			environ := []string{
				"KERNEL_USERNAME=alice",
				"KERNEL_WORKING_DIR=/tmp",
				"SPARK_HOME=/opt/spark",
				"HOME=/root",
				"MALFORMED",
			}

			env := utils.FilterEnvironment(environ, "KERNEL_", []string{"SPARK_HOME"})
			Expect(env).To(Equal(map[string]string{
				"KERNEL_USERNAME":    "alice",
				"KERNEL_WORKING_DIR": "/tmp",
				"SPARK_HOME":         "/opt/spark",
			}))
		})

		It("should keep values containing '='", func() {
			env := utils.FilterEnvironment([]string{"KERNEL_OPTS=a=b"}, "KERNEL_", nil)
			Expect(env["KERNEL_OPTS"]).To(Equal("a=b"))
		})
	})

	It("should split comma-separated lists", func() {
		Expect(utils.SplitList(" a, b ,,c ")).To(Equal([]string{"a", "b", "c"}))
		Expect(utils.SplitList("   ")).To(BeNil())
	})

	It("should compute percentages", func() {
		p := utils.Percentage(decimal.NewFromInt(1), decimal.NewFromInt(4))
		Expect(p.Equal(decimal.NewFromInt(25))).To(BeTrue())
		Expect(utils.Percentage(decimal.NewFromInt(1), decimal.Zero).IsZero()).To(BeTrue())
	})

	Context("GetEnv", func() {
		It("should fall back to the default for unset or empty variables", func() {
			GinkgoT().Setenv("NOTEBOOK_GATEWAY_TEST_VAR", "")
			Expect(utils.GetEnv("NOTEBOOK_GATEWAY_TEST_VAR", "fallback")).To(Equal("fallback"))

			GinkgoT().Setenv("NOTEBOOK_GATEWAY_TEST_VAR", "value")
			Expect(utils.GetEnv("NOTEBOOK_GATEWAY_TEST_VAR", "fallback")).To(Equal("value"))
		})
	})

	Context("ConcurrentMap", func() {
		It("should store, load and delete entries", func() {
			m := hashmap.NewConcurrentMap[int](0)

			m.Store("a", 1)
			v, loaded := m.LoadOrStore("a", 2)
			Expect(loaded).To(BeTrue())
			Expect(v).To(Equal(1))

			v, loaded = m.LoadOrStore("b", 2)
			Expect(loaded).To(BeFalse())
			Expect(v).To(Equal(2))
			Expect(m.Len()).To(Equal(2))
			Expect(m.Keys()).To(ConsistOf("a", "b"))

			v, ok := m.LoadAndDelete("a")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(1))

			_, ok = m.Load("a")
			Expect(ok).To(BeFalse())

			m.Clear()
			Expect(m.Len()).To(Equal(0))
		})
	})
})
