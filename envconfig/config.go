// Package envconfig reads runtime configuration from KELPIE_* environment
// variables. Values are read lazily so tests can set and unset them with
// t.Setenv.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/kelpie-ml/kelpie/logutil"
)

// Var returns an environment variable, stripped of quotes and spaces.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}

		return false
	}
}

func String(k string, defaultValue string) func() string {
	return func() string {
		if s := Var(k); s != "" {
			return s
		}

		return defaultValue
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

// LogLevel maps KELPIE_DEBUG onto a slog level: unset or false is Info,
// true or 1 is Debug, 2 and up is Trace.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("KELPIE_DEBUG"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil && b {
			level = slog.LevelDebug
		} else if i, err := strconv.ParseInt(s, 10, 64); err == nil && i >= 2 {
			level = logutil.LevelTrace
		}
	}

	return level
}

var (
	// Backend selects the execution backend by registered name.
	Backend = String("KELPIE_BACKEND", "cpu")

	// ExpertAllToAll forces the all-to-all dispatch path even for prefill
	// steps.
	ExpertAllToAll = Bool("KELPIE_EXPERT_ALL2ALL")

	// ExpertParallel is the expert-parallel world size simulated by the
	// benchmark driver.
	ExpertParallel = Uint("KELPIE_EXPERT_PARALLEL", 1)

	// BlockSize is the KV cache block size in tokens.
	BlockSize = Uint("KELPIE_BLOCK_SIZE", 16)
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"KELPIE_DEBUG":           {"KELPIE_DEBUG", LogLevel(), "Show additional debug information (e.g. KELPIE_DEBUG=1)"},
		"KELPIE_BACKEND":         {"KELPIE_BACKEND", Backend(), "Execution backend (default \"cpu\")"},
		"KELPIE_EXPERT_ALL2ALL":  {"KELPIE_EXPERT_ALL2ALL", ExpertAllToAll(), "Always dispatch MoE tokens via all-to-all"},
		"KELPIE_EXPERT_PARALLEL": {"KELPIE_EXPERT_PARALLEL", ExpertParallel(), "Expert-parallel world size (default 1)"},
		"KELPIE_BLOCK_SIZE":      {"KELPIE_BLOCK_SIZE", BlockSize(), "KV cache block size in tokens (default 16)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}

	return vals
}
