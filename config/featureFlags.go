package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LedgerFailOpen controls what the dedup gate does when the idempotency ledger cannot be read.
// true (default) favours availability: the event is treated as new and may be processed twice.
//
// Set via env:
// - LEDGER_FAIL_OPEN=false
func LedgerFailOpen() bool {
	return envBoolDefault("LEDGER_FAIL_OPEN", true)
}

// SystemActorIds are row-store user ids whose edits are echoes of this pipeline's own writes.
//
// Set via env:
// - SYSTEM_ACTOR_IDS="5240324513572740,svc-nesting@example.com"
func SystemActorIds() []string {
	return SplitAndTrim(os.Getenv("SYSTEM_ACTOR_IDS"))
}

// MaterialCacheTTL bounds how stale the material master snapshot may get (default 5 minutes).
func MaterialCacheTTL() time.Duration {
	return time.Duration(intFromEnv("MATERIAL_CACHE_TTL_SECONDS", 300)) * time.Second
}

// DefaultHandlerTimeout is used when neither the handler nor the routing document sets one.
func DefaultHandlerTimeout() time.Duration {
	return time.Duration(intFromEnv("HANDLER_TIMEOUT_SECONDS", 30)) * time.Second
}

// RoutingConfigPath points at the YAML routing document. Missing file yields an inert routing table.
func RoutingConfigPath() string {
	v := strings.TrimSpace(os.Getenv("ROUTING_CONFIG_PATH"))
	if v == "" {
		return "config/routing.yaml"
	}
	return v
}

// IncludeMachineWear adds machine-wear lines to generated BOMs.
func IncludeMachineWear() bool {
	return envBoolDefault("BOM_INCLUDE_MACHINE_WEAR", false)
}

// StuckPendingAfter is how old a PENDING ledger row must be before it is reported as stuck.
func StuckPendingAfter() time.Duration {
	return time.Duration(intFromEnv("LEDGER_STUCK_AFTER_SECONDS", 900)) * time.Second
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func SplitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
