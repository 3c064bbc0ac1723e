package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stas.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Default()
	if cfg.QueueSize != want.QueueSize || cfg.Pleo != want.Pleo {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestQueueSizeOutOfRangeFallsBackToDefault(t *testing.T) {
	path := writeTemp(t, "[Global]\nqueue-size=4\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.QueueSize != Default().QueueSize {
		t.Errorf("expected default queue-size, got %d", cfg.QueueSize)
	}
}

func TestIPFamilyUnrecognizedDefaultsToBoth(t *testing.T) {
	path := writeTemp(t, "[Global]\nip-family=ipv5\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.IPFamily != [2]int{4, 6} {
		t.Errorf("expected (4,6), got %v", cfg.IPFamily)
	}
}

func TestConnectAttemptsOnNCCOnePromotedToTwo(t *testing.T) {
	path := writeTemp(t, "[I/O controller connection management]\nconnect-attempts-on-ncc=1\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ConnectAttemptsOnNCC != 2 {
		t.Errorf("expected 2, got %d", cfg.ConnectAttemptsOnNCC)
	}
}

func TestZeroconfPersistenceNegativeMeansNeverReap(t *testing.T) {
	path := writeTemp(t, "[Discovery controller connection management]\nzeroconf-connections-persistence=-1\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ZeroconfConnectionsPersistence != nil {
		t.Errorf("expected nil (never reap), got %v", *cfg.ZeroconfConnectionsPersistence)
	}
}

func TestControllerAndExcludeParsingWithAliasesAndLegacy(t *testing.T) {
	path := writeTemp(t, strings.Join([]string{
		"[Controllers]",
		"controller = transport=tcp;traddr=100.71.103.50;trsvcid=8009;nqn=nqn.test",
		"exclude = traddr=10.0.0.9",
		"blacklist = traddr=10.0.0.10",
		"",
	}, "\n"))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Controllers) != 1 {
		t.Fatalf("expected 1 controller entry, got %d", len(cfg.Controllers))
	}
	if cfg.Controllers[0].Fields["subsysnqn"] != "nqn.test" {
		t.Errorf("expected nqn aliased to subsysnqn, got %+v", cfg.Controllers[0].Fields)
	}
	if len(cfg.Excludes) != 2 {
		t.Fatalf("expected exclude + legacy blacklist merged, got %d", len(cfg.Excludes))
	}
}

func TestExcludedRequiresAllKeysToMatch(t *testing.T) {
	excludes := []ControllerEntry{{Fields: map[string]string{"traddr": "10.0.0.9", "transport": "tcp"}}}
	if !Excluded(map[string]string{"traddr": "10.0.0.9", "transport": "tcp", "trsvcid": "8009"}, excludes) {
		t.Error("expected match when all exclude keys present and equal")
	}
	if Excluded(map[string]string{"traddr": "10.0.0.9", "transport": "rdma"}, excludes) {
		t.Error("expected no match when one exclude key differs")
	}
}

func TestExcludedIdempotent(t *testing.T) {
	excludes := []ControllerEntry{{Fields: map[string]string{"traddr": "10.0.0.9"}}}
	fields := map[string]string{"traddr": "10.0.0.9"}
	first := Excluded(fields, excludes)
	second := Excluded(fields, excludes)
	if first != second {
		t.Error("expected applying the exclude filter twice to be idempotent")
	}
}
