package utils

import (
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
)

// GetEnv returns the value of the environment variable name, or def if it is unset or empty.
func GetEnv(name string, def string) string {
	val := os.Getenv(name)
	if len(val) > 0 {
		return val
	}

	return def
}

// Percentage returns part/total*100. A non-positive total yields zero.
func Percentage(part decimal.Decimal, total decimal.Decimal) decimal.Decimal {
	if !total.IsPositive() {
		return decimal.Zero
	}

	return part.Div(total).Mul(hundred)
}

// SplitList splits a comma-separated list, trimming whitespace and dropping empty entries.
func SplitList(list string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}

	parts := strings.Split(list, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}

	return values
}

// FilterEnvironment returns the variables from environ (in os.Environ format) whose name starts
// with prefix or appears in whitelist.
func FilterEnvironment(environ []string, prefix string, whitelist []string) map[string]string {
	allowed := make(map[string]struct{}, len(whitelist))
	for _, name := range whitelist {
		allowed[name] = struct{}{}
	}

	env := make(map[string]string)
	for _, kv := range environ {
		name, value, found := strings.Cut(kv, "=")
		if !found || name == "" {
			continue
		}

		if _, ok := allowed[name]; ok || (prefix != "" && strings.HasPrefix(name, prefix)) {
			env[name] = value
		}
	}

	return env
}
