package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/depot/internal/backend/secure"
	"github.com/oriys/depot/internal/config"
	"github.com/oriys/depot/internal/domain"
	"github.com/oriys/depot/internal/metrics"
	"github.com/oriys/depot/internal/storage"
)

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes([]string{"a=1", "b=x=y", "c="})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attrs["a"] != "1" || attrs["b"] != "x=y" || attrs["c"] != "" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}

	for _, bad := range []string{"novalue", "=v"} {
		if _, err := parseAttributes([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFormatAttributes(t *testing.T) {
	if got := formatAttributes(map[string]string{"b": "2", "a": "1"}); got != "a=1,b=2" {
		t.Fatalf("formatAttributes = %q", got)
	}
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Fatalf("truncate = %q", got)
	}
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	t.Setenv("DEPOT_BACKEND", "kv")
	configPath, backend, kvStore, cachePreset = "", "object", "fs", "none"
	defer func() { configPath, backend, kvStore, cachePreset = "", "", "", "" }()

	c, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if c.Backend != "object" || c.KV.Store != "fs" || c.Cache.Preset != "none" {
		t.Fatalf("flags did not override: %+v", c)
	}

	backend = "tape"
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected an unknown backend to be rejected")
	}
}

func TestExecute_ShutsDownTracingOnFailure(t *testing.T) {
	var calls int
	prev := shutdownTracing
	shutdownTracing = func(context.Context) error {
		calls++
		return nil
	}
	defer func() {
		shutdownTracing = prev
		configPath, backend, kvStore, cachePreset, logLevel, logFormat = "", "", "", "", "", ""
	}()

	err := execute(context.Background(), newRootCmd(), []string{"--backend", "memory", "delete", "missing"})
	if !storage.IsNotFound(err) {
		t.Fatalf("expected not found from delete, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected tracing shutdown once on failure, got %d", calls)
	}

	if err := execute(context.Background(), newRootCmd(), []string{"--backend", "memory", "list"}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected tracing shutdown once on success, got %d", calls)
	}
}

func testConfigs(t *testing.T) map[string]*config.Config {
	t.Helper()

	memory := config.DefaultConfig()

	fs := config.DefaultConfig()
	fs.Backend = "kv"
	fs.KV.Store = "fs"
	fs.KV.Dir = t.TempDir()

	key, err := secure.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	keyFile := filepath.Join(t.TempDir(), "depot.key")
	if err := os.WriteFile(keyFile, []byte(key), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	sec := config.DefaultConfig()
	sec.Backend = "secure"
	sec.Secure.Dir = t.TempDir()
	sec.Secure.KeyFile = keyFile

	object := config.DefaultConfig()
	object.Backend = "object"

	return map[string]*config.Config{
		"memory": memory,
		"kv-fs":  fs,
		"secure": sec,
		"object": object,
	}
}

func TestOpenStore_EveryBackend(t *testing.T) {
	ctx := context.Background()
	for name, c := range testConfigs(t) {
		t.Run(name, func(t *testing.T) {
			s, err := openStore(ctx, c, metrics.Noop{})
			if err != nil {
				t.Fatalf("openStore: %v", err)
			}
			defer s.Close()

			now := time.Now()
			for _, id := range []string{"a", "b"} {
				if err := s.Save(ctx, domain.NewRecord(id, "user", map[string]string{"n": id}, now)); err != nil {
					t.Fatalf("save %s: %v", id, err)
				}
			}

			rec, ok, err := s.Fetch(ctx, "a")
			if err != nil || !ok || rec.Attributes["n"] != "a" {
				t.Fatalf("fetch: %+v ok=%v err=%v", rec, ok, err)
			}

			if err := s.Delete(ctx, "a"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			all, err := s.FetchAll(ctx)
			if err != nil || len(all) != 1 || all[0].ID != "b" {
				t.Fatalf("fetch all after delete: %v (%v)", all, err)
			}

			if err := s.DeleteAll(ctx); err != nil {
				t.Fatalf("delete all: %v", err)
			}
			if _, ok, _ := s.Fetch(ctx, "b"); ok {
				t.Fatal("expected b to be gone after DeleteAll")
			}
		})
	}
}

func TestOpenStore_FileBackendsPersist(t *testing.T) {
	ctx := context.Background()
	configs := testConfigs(t)
	for _, name := range []string{"kv-fs", "secure"} {
		c := configs[name]
		t.Run(name, func(t *testing.T) {
			s, err := openStore(ctx, c, metrics.Noop{})
			if err != nil {
				t.Fatalf("openStore: %v", err)
			}
			if err := s.Save(ctx, domain.NewRecord("kept", "", nil, time.Now())); err != nil {
				t.Fatalf("save: %v", err)
			}
			s.Close()

			s, err = openStore(ctx, c, metrics.Noop{})
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer s.Close()
			if _, ok, err := s.Fetch(ctx, "kept"); !ok || err != nil {
				t.Fatalf("expected record to survive reopen: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestOpenStore_SecureDirNeedsKey(t *testing.T) {
	c := config.DefaultConfig()
	c.Backend = "secure"
	c.Secure.Dir = t.TempDir()
	if _, err := openStore(context.Background(), c, metrics.Noop{}); err == nil {
		t.Fatal("expected an error without a key file")
	}
}

func TestRunBench(t *testing.T) {
	cfg = config.DefaultConfig()
	defer func() { cfg = nil }()

	err := runBench(context.Background(), benchOptions{
		ops:       200,
		workers:   4,
		keys:      20,
		readRatio: 0.5,
	})
	if err != nil {
		t.Fatalf("runBench: %v", err)
	}
}
