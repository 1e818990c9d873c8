package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"pkt.systems/editd"
	"pkt.systems/pslog"
)

func TestVersionCommandPrintsModule(t *testing.T) {
	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "pkt.systems/editd") {
		t.Fatalf("version output = %q", out.String())
	}
}

func TestBindConfigEnvOverridesFlagDefaults(t *testing.T) {
	t.Setenv("EDITD_LISTEN", "127.0.0.1:7777")
	t.Setenv("EDITD_STORE", "sqlite://state.db")
	t.Setenv("EDITD_DEFAULT_LEASE", "15m")

	// Flag registration wires the viper bindings.
	_ = newRootCommand(pslog.NoopLogger())

	var cfg editd.Config
	bindConfig(&cfg)
	if cfg.Listen != "127.0.0.1:7777" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if cfg.Store != "sqlite://state.db" {
		t.Fatalf("Store = %q", cfg.Store)
	}
	if cfg.DefaultLease != 15*time.Minute {
		t.Fatalf("DefaultLease = %v", cfg.DefaultLease)
	}
}
