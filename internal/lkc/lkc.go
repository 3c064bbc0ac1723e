// Package lkc persists the Last-Known-Configuration: the set of
// Transport IDs a daemon was managing when it last shut down, so a
// restart (or a crash) can re-seed the registry before the configured
// and discovered sources have had a chance to repopulate it.
//
// Grounded on staslib/stas.py's ServiceABC._read_lkc/_write_lkc, which
// pickle-encodes the controller dict to a file under
// $RUNTIME_DIRECTORY (falling back to /run/<prog>/). This package
// swaps pickle for encoding/gob, the idiomatic Go equivalent, and adds
// a yaml.v3-encoded companion for human inspection.
package lkc

import (
	"bytes"
	"encoding/gob"
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/fenio/nvme-stasd/internal/trid"
)

// FileName is the binary LKC file's base name, matched against the
// original's "last-known-config.pickle" convention.
const FileName = "last-known-config.gob"

// YAMLFileName is the optional human-readable companion dump.
const YAMLFileName = "last-known-config.yaml"

// Entry is one persisted controller identity plus the origin it had
// when last observed, since a restart should not treat a discovered
// controller as if it had been explicitly configured.
type Entry struct {
	Transport  string
	Traddr     string
	Trsvcid    string
	SubsysNQN  string
	HostTraddr string
	HostIface  string
	Origin     string
}

// RuntimeDir resolves the directory the LKC file lives in: the
// RUNTIME_DIRECTORY environment variable systemd sets for services
// with RuntimeDirectory=, falling back to /run/<prog>.
func RuntimeDir(prog string) string {
	if dir := os.Getenv("RUNTIME_DIRECTORY"); dir != "" {
		return dir
	}
	return filepath.Join("/run", prog)
}

// Store reads and writes the Last-Known-Configuration file.
type Store struct {
	path     string
	yamlPath string
}

// New returns a Store backed by the given runtime directory.
func New(runtimeDir string) *Store {
	return &Store{
		path:     filepath.Join(runtimeDir, FileName),
		yamlPath: filepath.Join(runtimeDir, YAMLFileName),
	}
}

// Load reads the persisted entries. A missing file, or one that fails
// to decode, is treated as "no prior configuration" rather than an
// error — the original applies the same tolerance to a corrupt
// pickle (FileNotFoundError, AttributeError, EOFError all fold to
// None).
func (s *Store) Load() []Entry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			klog.V(2).Infof("lkc: could not read %s: %v", s.path, err)
		}
		return nil
	}

	var entries []Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		klog.Warningf("lkc: discarding corrupt last-known-config at %s: %v", s.path, err)
		return nil
	}
	return entries
}

// Dump writes the given entries, truncating the file when entries is
// empty so a fresh, fully-converged shutdown does not resurrect a
// stale configuration on the next start.
func (s *Store) Dump(entries []Entry) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		klog.Errorf("lkc: could not create runtime directory for %s: %v", s.path, err)
		return
	}

	if len(entries) == 0 {
		if err := os.WriteFile(s.path, nil, 0o644); err != nil {
			klog.Errorf("lkc: could not truncate %s: %v", s.path, err)
		}
		_ = os.WriteFile(s.yamlPath, nil, 0o644)
		return
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		klog.Errorf("lkc: could not encode last-known-config: %v", err)
		return
	}
	if err := os.WriteFile(s.path, buf.Bytes(), 0o644); err != nil {
		klog.Errorf("lkc: could not write %s: %v", s.path, err)
		return
	}

	if y, err := yaml.Marshal(entries); err == nil {
		_ = os.WriteFile(s.yamlPath, y, 0o644)
	}
}

// FromTIDs converts a registry's live TIDs (paired with each
// controller's origin) into persistable entries.
func FromTIDs(tids []trid.ID, origins []string) []Entry {
	entries := make([]Entry, 0, len(tids))
	for i, id := range tids {
		origin := ""
		if i < len(origins) {
			origin = origins[i]
		}
		entries = append(entries, Entry{
			Transport:  string(id.Transport),
			Traddr:     id.Traddr,
			Trsvcid:    id.Trsvcid,
			SubsysNQN:  id.SubsysNQN,
			HostTraddr: id.HostTraddr,
			HostIface:  id.HostIface,
			Origin:     origin,
		})
	}
	return entries
}

// ToFields converts a persisted entry back into the generic field map
// the reconciler's DesiredSource producers speak, so a restart can
// re-seed the registry as a synthetic desired-set source until the
// real configured/discovered sources take over.
func (e Entry) ToFields() map[string]string {
	fields := map[string]string{
		"transport": e.Transport,
		"traddr":    e.Traddr,
		"trsvcid":   e.Trsvcid,
		"subsysnqn": e.SubsysNQN,
	}
	if e.HostTraddr != "" {
		fields["host-traddr"] = e.HostTraddr
	}
	if e.HostIface != "" {
		fields["host-iface"] = e.HostIface
	}
	if e.Origin != "" {
		fields["origin"] = e.Origin
	}
	return fields
}
