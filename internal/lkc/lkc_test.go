package lkc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fenio/nvme-stasd/internal/trid"
)

func TestDumpLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	entries := []Entry{
		{Transport: "tcp", Traddr: "10.0.0.1", Trsvcid: "8009", SubsysNQN: "nqn.discovery", Origin: "configured"},
		{Transport: "tcp", Traddr: "10.0.0.2", Trsvcid: "4420", SubsysNQN: "nqn.sub", HostIface: "eth0", Origin: "discovered"},
	}

	s.Dump(entries)
	got := s.Load()

	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Errorf("entry %d: expected %+v, got %+v", i, entries[i], got[i])
		}
	}
}

func TestDumpEmptyTruncatesFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	s.Dump([]Entry{{Transport: "tcp", Traddr: "10.0.0.1", SubsysNQN: "nqn.a"}})
	if len(s.Load()) != 1 {
		t.Fatal("expected one entry before truncation")
	}

	s.Dump(nil)
	if got := s.Load(); len(got) != 0 {
		t.Fatalf("expected truncated store to load empty, got %+v", got)
	}

	info, err := os.Stat(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("expected truncated file to still exist: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected zero-length file after truncation, got %d bytes", info.Size())
	}
}

func TestLoadMissingFileReturnsNil(t *testing.T) {
	s := New(t.TempDir())
	if got := s.Load(); got != nil {
		t.Errorf("expected nil for missing file, got %+v", got)
	}
}

func TestLoadCorruptFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("not a gob stream"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(dir)
	if got := s.Load(); got != nil {
		t.Errorf("expected nil for corrupt file, got %+v", got)
	}
}

func TestFromTIDsAndToFieldsRoundTrip(t *testing.T) {
	id := trid.New(trid.TransportTCP, "10.0.0.5", "4420", "nqn.sub", "10.0.0.6", "eth1", false)
	entries := FromTIDs([]trid.ID{id}, []string{"discovered"})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	fields := entries[0].ToFields()
	reconstructed, err := trid.FromFields(fields, false)
	if err != nil {
		t.Fatalf("unexpected error reconstructing TID: %v", err)
	}
	if !reconstructed.Equal(id) {
		t.Errorf("expected reconstructed TID to equal original: %v vs %v", reconstructed, id)
	}
}

func TestRuntimeDirPrefersEnv(t *testing.T) {
	t.Setenv("RUNTIME_DIRECTORY", "/run/custom-dir")
	if got := RuntimeDir("stafd"); got != "/run/custom-dir" {
		t.Errorf("expected env override, got %q", got)
	}
}

func TestRuntimeDirFallsBackToProg(t *testing.T) {
	t.Setenv("RUNTIME_DIRECTORY", "")
	if got := RuntimeDir("stacd"); got != filepath.Join("/run", "stacd") {
		t.Errorf("expected /run/stacd fallback, got %q", got)
	}
}
