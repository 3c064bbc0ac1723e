// Package config implements the INI-style configuration file described in
// spec.md §6: global connection defaults, service-discovery toggles,
// discovery-controller and I/O-controller connection management, and the
// repeatable [Controllers] controller/exclude entries.
//
// No INI-parsing library appears anywhere in the retrieved corpus, so this
// file is hand-rolled on top of bufio/strings (see DESIGN.md for the
// standard-library justification).
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/fenio/nvme-stasd/internal/timeparse"
)

// DisconnectScope enumerates the [I/O controller connection management]
// disconnect-scope values.
type DisconnectScope string

const (
	DisconnectOnlySTAS           DisconnectScope = "only-stas-connections"
	DisconnectAllMatchingTrtypes DisconnectScope = "all-connections-matching-disconnect-trtypes"
	DisconnectNone               DisconnectScope = "no-disconnect"
)

// Overlay holds the per-controller optional overrides described in the
// data model's Controller Config Overlay.
//
//nolint:govet // fieldalignment: field order favors readability.
type Overlay struct {
	KatoSet              bool
	Kato                 time.Duration
	QueueSizeSet         bool
	QueueSize            int
	HdrDigestSet         bool
	HdrDigest            bool
	DataDigestSet        bool
	DataDigest           bool
	NrIOQueuesSet        bool
	NrIOQueues           int
	NrPollQueuesSet      bool
	NrPollQueues         int
	NrWriteQueuesSet     bool
	NrWriteQueues        int
	ReconnectDelaySet    bool
	ReconnectDelay       time.Duration
	CtrlLossTmoSet       bool
	CtrlLossTmo          time.Duration
	DisableSQFlowSet     bool
	DisableSQFlow        bool
	DhchapHostKey        string
	DhchapCtrlKey        string
}

// Merge returns the result of overlaying o on top of base: any field set
// in o takes precedence over base's value of the same field.
func (o Overlay) Merge(base Overlay) Overlay {
	out := base
	if o.KatoSet {
		out.Kato, out.KatoSet = o.Kato, true
	}
	if o.QueueSizeSet {
		out.QueueSize, out.QueueSizeSet = o.QueueSize, true
	}
	if o.HdrDigestSet {
		out.HdrDigest, out.HdrDigestSet = o.HdrDigest, true
	}
	if o.DataDigestSet {
		out.DataDigest, out.DataDigestSet = o.DataDigest, true
	}
	if o.NrIOQueuesSet {
		out.NrIOQueues, out.NrIOQueuesSet = o.NrIOQueues, true
	}
	if o.NrPollQueuesSet {
		out.NrPollQueues, out.NrPollQueuesSet = o.NrPollQueues, true
	}
	if o.NrWriteQueuesSet {
		out.NrWriteQueues, out.NrWriteQueuesSet = o.NrWriteQueues, true
	}
	if o.ReconnectDelaySet {
		out.ReconnectDelay, out.ReconnectDelaySet = o.ReconnectDelay, true
	}
	if o.CtrlLossTmoSet {
		out.CtrlLossTmo, out.CtrlLossTmoSet = o.CtrlLossTmo, true
	}
	if o.DisableSQFlowSet {
		out.DisableSQFlow, out.DisableSQFlowSet = o.DisableSQFlow, true
	}
	if o.DhchapHostKey != "" {
		out.DhchapHostKey = o.DhchapHostKey
	}
	if o.DhchapCtrlKey != "" {
		out.DhchapCtrlKey = o.DhchapCtrlKey
	}
	return out
}

// ControllerEntry is one repeatable "controller=" or "exclude=" line,
// parsed into its key=value fields plus the overlay they describe.
type ControllerEntry struct {
	Fields  map[string]string
	Overlay Overlay
}

// Config is the fully parsed, validated, defaulted configuration.
//
//nolint:govet // fieldalignment: field order favors readability.
type Config struct {
	// [Global]
	Tron               bool
	Kato               time.Duration
	Pleo               bool
	IPFamily           [2]int
	QueueSize          int
	HdrDigest          bool
	DataDigest         bool
	IgnoreIface        bool
	NrIOQueues         int
	CtrlLossTmo        time.Duration
	DisableSQFlow      bool
	NrPollQueues       int
	NrWriteQueues      int
	ReconnectDelay     time.Duration

	// [Service Discovery]
	Zeroconf bool

	// [Discovery controller connection management]
	PersistentConnections        bool
	ZeroconfConnectionsPersistence *time.Duration // nil means "never reap"

	// [I/O controller connection management]
	DisconnectScope     DisconnectScope
	DisconnectTrtypes   map[string]bool
	ConnectAttemptsOnNCC int

	// [Controllers]
	Controllers []ControllerEntry
	Excludes    []ControllerEntry
}

// Default returns the configuration that applies when no file is present
// or when individual options are absent/invalid.
func Default() Config {
	return Config{
		Tron:                         false,
		Pleo:                         true,
		IPFamily:                     [2]int{4, 6},
		QueueSize:                    128,
		IgnoreIface:                  false,
		Zeroconf:                     true,
		PersistentConnections:        true,
		ZeroconfConnectionsPersistence: durPtr(72 * time.Hour),
		DisconnectScope:              DisconnectOnlySTAS,
		DisconnectTrtypes:            map[string]bool{"tcp": true},
		ConnectAttemptsOnNCC:         0,
	}
}

func durPtr(d time.Duration) *time.Duration { return &d }

// section is a raw, order-preserving INI section: repeatable keys collect
// multiple values in encounter order, exactly as OrderedMultisetDict does
// in the original configuration reader.
type section map[string][]string

// parseINI reads an INI-style file into an ordered section map, skipping
// blank lines, ';'/'#' comments, and tolerating missing trailing newlines.
func parseINI(r io.Reader) (map[string]section, error) {
	sections := map[string]section{}
	cur := "Global"
	sections[cur] = section{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			cur = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := sections[cur]; !ok {
				sections[cur] = section{}
			}
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			klog.Warningf("config: ignoring malformed line %d: %q", lineNo, line)
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		sections[cur][key] = append(sections[cur][key], val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sections, nil
}

func (s section) last(key string) (string, bool) {
	vs, ok := s[key]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[len(vs)-1], true
}

func warnDefault(section, option, raw string, def interface{}) {
	klog.Warningf("config: invalid value %q for [%s] %s, falling back to default %v", raw, section, option, def)
}

// Load parses path, applying defaults and logging a warning (never
// failing) on every validation error, per spec.md §7's
// configuration-validation-failure error kind.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path) //nolint:gosec // operator-supplied configuration path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: %w", err)
	}
	defer f.Close() //nolint:errcheck

	sections, err := parseINI(f)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	applyGlobal(&cfg, sections["Global"])
	applyServiceDiscovery(&cfg, sections["Service Discovery"])
	applyDCConnMgmt(&cfg, sections["Discovery controller connection management"])
	applyIOCConnMgmt(&cfg, sections["I/O controller connection management"])
	applyControllers(&cfg, sections["Controllers"])

	return cfg, nil
}

func toBool(raw string, positive string) (bool, bool) {
	low := strings.ToLower(strings.TrimSpace(raw))
	if low == positive {
		return true, true
	}
	negative := "false"
	if positive == "enabled" {
		negative = "disabled"
	}
	if low == negative {
		return false, true
	}
	return false, false
}

func applyGlobal(cfg *Config, s section) {
	if v, ok := s.last("tron"); ok {
		if b, valid := toBool(v, "true"); valid {
			cfg.Tron = b
		} else {
			warnDefault("Global", "tron", v, cfg.Tron)
		}
	}
	if v, ok := s.last("kato"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Kato = time.Duration(n) * time.Second
		} else {
			warnDefault("Global", "kato", v, cfg.Kato)
		}
	}
	if v, ok := s.last("pleo"); ok {
		if b, valid := toBool(v, "enabled"); valid {
			cfg.Pleo = b
		} else {
			warnDefault("Global", "pleo", v, cfg.Pleo)
		}
	}
	if v, ok := s.last("ip-family"); ok {
		switch v {
		case "ipv4":
			cfg.IPFamily = [2]int{4, 0}
		case "ipv6":
			cfg.IPFamily = [2]int{0, 6}
		case "ipv4+ipv6", "ipv6+ipv4":
			cfg.IPFamily = [2]int{4, 6}
		default:
			warnDefault("Global", "ip-family", v, cfg.IPFamily)
		}
	}
	if v, ok := s.last("queue-size"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 16 && n <= 1024 {
			cfg.QueueSize = n
		} else {
			warnDefault("Global", "queue-size", v, cfg.QueueSize)
		}
	}
	if v, ok := s.last("hdr-digest"); ok {
		if b, valid := toBool(v, "true"); valid {
			cfg.HdrDigest = b
		} else {
			warnDefault("Global", "hdr-digest", v, cfg.HdrDigest)
		}
	}
	if v, ok := s.last("data-digest"); ok {
		if b, valid := toBool(v, "true"); valid {
			cfg.DataDigest = b
		} else {
			warnDefault("Global", "data-digest", v, cfg.DataDigest)
		}
	}
	if v, ok := s.last("ignore-iface"); ok {
		if b, valid := toBool(v, "true"); valid {
			cfg.IgnoreIface = b
		} else {
			warnDefault("Global", "ignore-iface", v, cfg.IgnoreIface)
		}
	}
	if v, ok := s.last("nr-io-queues"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NrIOQueues = n
		} else {
			warnDefault("Global", "nr-io-queues", v, cfg.NrIOQueues)
		}
	}
	if v, ok := s.last("ctrl-loss-tmo"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CtrlLossTmo = time.Duration(n) * time.Second
		} else {
			warnDefault("Global", "ctrl-loss-tmo", v, cfg.CtrlLossTmo)
		}
	}
	if v, ok := s.last("disable-sqflow"); ok {
		if b, valid := toBool(v, "true"); valid {
			cfg.DisableSQFlow = b
		} else {
			warnDefault("Global", "disable-sqflow", v, cfg.DisableSQFlow)
		}
	}
	if v, ok := s.last("nr-poll-queues"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NrPollQueues = n
		} else {
			warnDefault("Global", "nr-poll-queues", v, cfg.NrPollQueues)
		}
	}
	if v, ok := s.last("nr-write-queues"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NrWriteQueues = n
		} else {
			warnDefault("Global", "nr-write-queues", v, cfg.NrWriteQueues)
		}
	}
	if v, ok := s.last("reconnect-delay"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectDelay = time.Duration(n) * time.Second
		} else {
			warnDefault("Global", "reconnect-delay", v, cfg.ReconnectDelay)
		}
	}
}

func applyServiceDiscovery(cfg *Config, s section) {
	if v, ok := s.last("zeroconf"); ok {
		if b, valid := toBool(v, "enabled"); valid {
			cfg.Zeroconf = b
		} else {
			warnDefault("Service Discovery", "zeroconf", v, cfg.Zeroconf)
		}
	}
}

func applyDCConnMgmt(cfg *Config, s section) {
	if v, ok := s.last("persistent-connections"); ok {
		if b, valid := toBool(v, "true"); valid {
			cfg.PersistentConnections = b
		} else {
			warnDefault("Discovery controller connection management", "persistent-connections", v, cfg.PersistentConnections)
		}
	}
	if v, ok := s.last("zeroconf-connections-persistence"); ok {
		if secs, valid := timeparse.Parse(v); valid {
			if secs < 0 {
				cfg.ZeroconfConnectionsPersistence = nil
			} else {
				d := time.Duration(secs * float64(time.Second))
				cfg.ZeroconfConnectionsPersistence = &d
			}
		} else {
			warnDefault("Discovery controller connection management", "zeroconf-connections-persistence", v, "72h")
		}
	}
}

func applyIOCConnMgmt(cfg *Config, s section) {
	if v, ok := s.last("disconnect-scope"); ok {
		switch DisconnectScope(v) {
		case DisconnectOnlySTAS, DisconnectAllMatchingTrtypes, DisconnectNone:
			cfg.DisconnectScope = DisconnectScope(v)
		default:
			warnDefault("I/O controller connection management", "disconnect-scope", v, cfg.DisconnectScope)
		}
	}
	if v, ok := s.last("disconnect-trtypes"); ok {
		set := map[string]bool{}
		valid := true
		for _, t := range strings.Split(v, "+") {
			t = strings.TrimSpace(t)
			switch t {
			case "tcp", "rdma", "fc":
				set[t] = true
			default:
				valid = false
			}
		}
		if valid && len(set) > 0 {
			cfg.DisconnectTrtypes = set
		} else {
			warnDefault("I/O controller connection management", "disconnect-trtypes", v, cfg.DisconnectTrtypes)
		}
	}
	if v, ok := s.last("connect-attempts-on-ncc"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			if n == 1 {
				n = 2
			}
			cfg.ConnectAttemptsOnNCC = n
		} else {
			warnDefault("I/O controller connection management", "connect-attempts-on-ncc", v, cfg.ConnectAttemptsOnNCC)
		}
	}
}

// parseEntryFields splits a "key=value;key=value" controller/exclude
// string into a field map, applying the nqn->subsysnqn alias.
func parseEntryFields(raw string) map[string]string {
	fields := map[string]string{}
	for _, tok := range strings.Split(raw, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		idx := strings.Index(tok, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(tok[:idx])
		val := strings.TrimSpace(tok[idx+1:])
		if key == "nqn" {
			key = "subsysnqn"
		}
		fields[key] = val
	}
	return fields
}

func overlayFromFields(fields map[string]string) Overlay {
	var o Overlay
	if v, ok := fields["kato"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			o.Kato, o.KatoSet = time.Duration(n)*time.Second, true
		}
	}
	if v, ok := fields["queue-size"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			o.QueueSize, o.QueueSizeSet = n, true
		}
	}
	if v, ok := fields["hdr-digest"]; ok {
		if b, valid := toBool(v, "true"); valid {
			o.HdrDigest, o.HdrDigestSet = b, true
		}
	}
	if v, ok := fields["data-digest"]; ok {
		if b, valid := toBool(v, "true"); valid {
			o.DataDigest, o.DataDigestSet = b, true
		}
	}
	if v, ok := fields["nr-io-queues"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			o.NrIOQueues, o.NrIOQueuesSet = n, true
		}
	}
	if v, ok := fields["nr-poll-queues"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			o.NrPollQueues, o.NrPollQueuesSet = n, true
		}
	}
	if v, ok := fields["nr-write-queues"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			o.NrWriteQueues, o.NrWriteQueuesSet = n, true
		}
	}
	if v, ok := fields["reconnect-delay"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			o.ReconnectDelay, o.ReconnectDelaySet = time.Duration(n)*time.Second, true
		}
	}
	if v, ok := fields["ctrl-loss-tmo"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			o.CtrlLossTmo, o.CtrlLossTmoSet = time.Duration(n)*time.Second, true
		}
	}
	if v, ok := fields["disable-sqflow"]; ok {
		if b, valid := toBool(v, "true"); valid {
			o.DisableSQFlow, o.DisableSQFlowSet = b, true
		}
	}
	o.DhchapHostKey = fields["dhchap-secret"]
	o.DhchapCtrlKey = fields["dhchap-ctrl-secret"]
	return o
}

func applyControllers(cfg *Config, s section) {
	for _, raw := range s["controller"] {
		fields := parseEntryFields(raw)
		cfg.Controllers = append(cfg.Controllers, ControllerEntry{Fields: fields, Overlay: overlayFromFields(fields)})
	}
	excludeRaws := append([]string{}, s["exclude"]...)
	excludeRaws = append(excludeRaws, s["blacklist"]...) // legacy alias, merged per design notes
	for _, raw := range excludeRaws {
		fields := parseEntryFields(raw)
		delete(fields, "host-traddr") // exclude entries never carry host-traddr
		cfg.Excludes = append(cfg.Excludes, ControllerEntry{Fields: fields})
	}
}

// Excluded reports whether fields is excluded: an exclude entry matches
// iff every key it specifies is present and equal in fields.
func Excluded(fields map[string]string, excludes []ControllerEntry) bool {
	for _, ex := range excludes {
		if len(ex.Fields) == 0 {
			continue
		}
		match := true
		for k, v := range ex.Fields {
			if fields[k] != v {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
