package editd

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Store: "mem://"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("Listen = %q, want %q", cfg.Listen, DefaultListen)
	}
	if cfg.ListenProto != DefaultListenProto {
		t.Fatalf("ListenProto = %q", cfg.ListenProto)
	}
	if cfg.DefaultLease != DefaultLease || cfg.MaxLease != DefaultMaxLease {
		t.Fatalf("lease defaults = %v / %v", cfg.DefaultLease, cfg.MaxLease)
	}
	if cfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("SweepInterval = %v", cfg.SweepInterval)
	}
	if cfg.HistoryDefaultLimit != DefaultHistoryLimit || cfg.HistoryMaxLimit != DefaultHistoryMaxLimit {
		t.Fatalf("history defaults = %d / %d", cfg.HistoryDefaultLimit, cfg.HistoryMaxLimit)
	}
	if cfg.IdentityHeader != DefaultIdentityHeader {
		t.Fatalf("IdentityHeader = %q", cfg.IdentityHeader)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
}

func TestConfigValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing store", Config{}, "store is required"},
		{"bad scheme", Config{Store: "postgres://x"}, "not supported"},
		{"sqlite without path", Config{Store: "sqlite://"}, "missing path"},
		{"max below default", Config{Store: "mem://", DefaultLease: time.Hour, MaxLease: time.Minute}, "max lease"},
		{"negative shutdown", Config{Store: "mem://", ShutdownTimeout: -time.Second}, "shutdown timeout"},
		{"history max below default", Config{Store: "mem://", HistoryDefaultLimit: 500, HistoryMaxLimit: 100}, "history max limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestParseStoreDSN(t *testing.T) {
	t.Parallel()

	cases := []struct {
		store  string
		scheme string
		path   string
	}{
		{"mem://", "mem", ""},
		{"memory://", "mem", ""},
		{"sqlite:///var/lib/editd/editd.db", "sqlite", "/var/lib/editd/editd.db"},
		{"sqlite://editd.db", "sqlite", "editd.db"},
		{"sqlite:editd.db", "sqlite", "editd.db"},
	}
	for _, tc := range cases {
		dsn, err := parseStoreDSN(tc.store)
		if err != nil {
			t.Fatalf("parseStoreDSN(%q): %v", tc.store, err)
		}
		if dsn.scheme != tc.scheme || dsn.path != tc.path {
			t.Fatalf("parseStoreDSN(%q) = %+v, want %s %q", tc.store, dsn, tc.scheme, tc.path)
		}
	}
}
