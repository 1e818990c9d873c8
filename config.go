package editd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/editd/internal/core"
	"pkt.systems/editd/internal/identity"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9741"
	// DefaultListenProto controls the listener network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultStore points the server at the in-memory stores when no store is provided.
	DefaultStore = "mem://"
	// DefaultLease is the baseline lease duration handed to new sessions.
	DefaultLease = core.DefaultLease
	// DefaultMaxLease is the hard ceiling enforced on user-supplied timeouts.
	DefaultMaxLease = core.DefaultMaxLease
	// DefaultSweepInterval sets the tick frequency for expired-lease sweeps.
	DefaultSweepInterval = time.Minute
	// DefaultHistoryLimit applies when a history query omits its limit.
	DefaultHistoryLimit = core.DefaultHistoryLimit
	// DefaultHistoryMaxLimit caps history query limits.
	DefaultHistoryMaxLimit = core.DefaultHistoryMaxLimit
	// DefaultShutdownTimeout caps graceful shutdown duration.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultIdentityHeader is the trusted identity header used when JWT auth
	// is disabled.
	DefaultIdentityHeader = identity.DefaultHeader
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for an editd.Server instance.
type Config struct {
	// Listen is the server bind address (for example ":9741").
	Listen string
	// ListenProto selects listener type (for example "tcp").
	ListenProto string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// Store is the backend DSN (mem:// or sqlite://path).
	Store string
	// DefaultLease is the lease duration used when requests omit timeout_minutes.
	DefaultLease time.Duration
	// MaxLease caps the requestable lease duration.
	MaxLease time.Duration
	// SweepInterval controls expired-lease sweep cadence; 0 uses the default,
	// negative disables the sweeper.
	SweepInterval time.Duration
	// HistoryDefaultLimit applies when history queries omit their limit.
	HistoryDefaultLimit int
	// HistoryMaxLimit caps history query limits.
	HistoryMaxLimit int
	// JWTSecret enables HS256 bearer-token identity when non-empty.
	JWTSecret string
	// IdentityHeader names the trusted identity header used when JWTSecret is
	// empty; empty selects DefaultIdentityHeader.
	IdentityHeader string
	// ShutdownTimeout caps graceful shutdown duration.
	ShutdownTimeout time.Duration
}

// Validate normalizes cfg in place, applying defaults and rejecting
// contradictory settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	if c.Store == "" {
		return fmt.Errorf("config: store is required")
	}
	if _, err := parseStoreDSN(c.Store); err != nil {
		return err
	}
	if c.DefaultLease == 0 {
		c.DefaultLease = DefaultLease
	} else if c.DefaultLease < 0 {
		return fmt.Errorf("config: default lease must be >= 0")
	}
	if c.MaxLease == 0 {
		c.MaxLease = DefaultMaxLease
	} else if c.MaxLease < 0 {
		return fmt.Errorf("config: max lease must be >= 0")
	}
	if c.MaxLease < c.DefaultLease {
		return fmt.Errorf("config: max lease must be >= default lease")
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.HistoryDefaultLimit == 0 {
		c.HistoryDefaultLimit = DefaultHistoryLimit
	} else if c.HistoryDefaultLimit < 0 {
		return fmt.Errorf("config: history default limit must be >= 0")
	}
	if c.HistoryMaxLimit == 0 {
		c.HistoryMaxLimit = DefaultHistoryMaxLimit
	} else if c.HistoryMaxLimit < 0 {
		return fmt.Errorf("config: history max limit must be >= 0")
	}
	if c.HistoryMaxLimit < c.HistoryDefaultLimit {
		return fmt.Errorf("config: history max limit must be >= default limit")
	}
	if c.IdentityHeader == "" {
		c.IdentityHeader = DefaultIdentityHeader
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	} else if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	return nil
}

// DefaultConfigDir returns the directory searched for the config file.
// EDITD_CONFIG_DIR overrides the $HOME/.editd default.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("EDITD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".editd"), nil
}

// storeDSN is a parsed Store value.
type storeDSN struct {
	scheme string
	path   string
}

func parseStoreDSN(store string) (storeDSN, error) {
	u, err := url.Parse(store)
	if err != nil {
		return storeDSN{}, fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "":
		return storeDSN{scheme: "mem"}, nil
	case "sqlite":
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}
		path = strings.TrimSpace(path)
		if path == "" {
			return storeDSN{}, fmt.Errorf("config: sqlite store missing path (expected sqlite://path/to/editd.db)")
		}
		return storeDSN{scheme: "sqlite", path: path}, nil
	default:
		return storeDSN{}, fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
}
