package fabric

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fenio/nvme-stasd/internal/dlpe"
)

func TestConnectArgsDiscoveryOmitsSubsysNQN(t *testing.T) {
	args := connectArgs(ConnectParams{
		Transport: "tcp", Traddr: "192.168.1.1", Trsvcid: "8009",
		HostNQN: "nqn.host", Discovery: true,
	})
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "-n ") {
		t.Errorf("discovery connect should not pass -n subsysnqn: %v", args)
	}
	if !strings.Contains(joined, "-q nqn.host") {
		t.Errorf("expected hostnqn flag, got %v", args)
	}
}

func TestConnectArgsIOCIncludesSubsysNQN(t *testing.T) {
	args := connectArgs(ConnectParams{
		Transport: "tcp", Traddr: "192.168.1.1", Trsvcid: "4420",
		SubsysNQN: "nqn.sub", HostNQN: "nqn.host", HostIface: "eth0",
		Kato: 30 * time.Second,
	})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-n nqn.sub") {
		t.Errorf("expected subsysnqn flag, got %v", args)
	}
	if !strings.Contains(joined, "-f eth0") {
		t.Errorf("expected hostiface flag, got %v", args)
	}
	if !strings.Contains(joined, "-k 30") {
		t.Errorf("expected kato flag, got %v", args)
	}
}

func TestIsRetryableConnectError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("Connection refused"), true},
		{errors.New("could not add new controller"), true},
		{errors.New("invalid argument"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := isRetryableConnectError(c.err); got != c.want {
			t.Errorf("isRetryableConnectError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestParseDiscoveryLog(t *testing.T) {
	raw := []byte(`{"records":[
		{"trtype":"tcp","traddr":"10.0.0.1","trsvcid":"8009","subnqn":"nqn.sub","subtype":"nvme subsystem","eflags":1},
		{"trtype":"tcp","traddr":"10.0.0.2","trsvcid":"8009","subnqn":"nqn.sub2","subtype":"referral","eflags":0}
	]}`)
	entries, err := parseDiscoveryLog(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].HasNCC() {
		t.Errorf("expected first entry to have NCC bit set")
	}
	if entries[1].Subtype != dlpe.SubtypeReferral {
		t.Errorf("expected second entry to be a referral, got %v", entries[1].Subtype)
	}
}

func TestFindSubsysDeviceName(t *testing.T) {
	raw := []byte(`[{"Subsystems":[{"NQN":"nqn.target","Controllers":[{"Controller":"nvme3"}]}]}]`)
	if got := findSubsysDeviceName(raw, "nqn.target"); got != "nvme3" {
		t.Errorf("expected nvme3, got %q", got)
	}
	if got := findSubsysDeviceName(raw, "nqn.missing"); got != "" {
		t.Errorf("expected empty for unmatched nqn, got %q", got)
	}
}

func TestParseHexDumpUint32(t *testing.T) {
	out := []byte("01 00 00 00")
	if got := parseHexDumpUint32(out); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
}
