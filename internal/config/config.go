package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the per-run settings. It is built once in main and threaded
// through constructors; no package keeps global state.
type Config struct {
	// Capture
	TileHeight  int
	TileOverlap int
	SettleDelay time.Duration
	SnapshotDir string

	// Execution
	MaxAttempts      int
	RetriesEnabled   bool
	RetryDelay       time.Duration
	QuiescenceWait   time.Duration
	PointerHold      time.Duration
	TypeDelayMin     time.Duration
	TypeDelayMax     time.Duration
	NavTimeout       time.Duration
	KeepOpenOnError  bool

	// Cache
	CacheEnabled bool
	CacheDir     string

	// Network
	Blocklist []string

	// Browser
	Headless bool
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	// Missing .env is fine, plain env vars still apply.
	_ = godotenv.Load()

	cfg := Config{
		TileHeight:      intEnv("AGENT_TILE_HEIGHT", 1024),
		TileOverlap:     intEnv("AGENT_TILE_OVERLAP", 100),
		SettleDelay:     durEnv("AGENT_SETTLE_DELAY", 500*time.Millisecond),
		SnapshotDir:     strEnv("AGENT_SNAPSHOT_DIR", "snapshots"),
		MaxAttempts:     intEnv("AGENT_MAX_ATTEMPTS", 3),
		RetriesEnabled:  boolEnv("AGENT_RETRIES", true),
		RetryDelay:      durEnv("AGENT_RETRY_DELAY", 2*time.Second),
		QuiescenceWait:  durEnv("AGENT_QUIESCENCE_WAIT", 10*time.Second),
		PointerHold:     durEnv("AGENT_POINTER_HOLD", 400*time.Millisecond),
		TypeDelayMin:    durEnv("AGENT_TYPE_DELAY_MIN", 40*time.Millisecond),
		TypeDelayMax:    durEnv("AGENT_TYPE_DELAY_MAX", 140*time.Millisecond),
		NavTimeout:      durEnv("AGENT_NAV_TIMEOUT", 30*time.Second),
		KeepOpenOnError: boolEnv("AGENT_KEEP_OPEN", false),
		CacheEnabled:    boolEnv("AGENT_CACHE", true),
		CacheDir:        strEnv("AGENT_CACHE_DIR", ".cache"),
		Blocklist:       listEnv("AGENT_BLOCKLIST"),
		Headless:        boolEnv("AGENT_HEADLESS", false),
	}

	if cfg.TileOverlap >= cfg.TileHeight {
		return Config{}, fmt.Errorf("tile overlap %d must be smaller than tile height %d", cfg.TileOverlap, cfg.TileHeight)
	}
	if cfg.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.TypeDelayMax < cfg.TypeDelayMin {
		cfg.TypeDelayMax = cfg.TypeDelayMin
	}
	return cfg, nil
}

func strEnv(name, def string) string {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	return val
}

func intEnv(name string, def int) int {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func durEnv(name string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func boolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func listEnv(name string) []string {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
