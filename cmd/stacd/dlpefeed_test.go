package main

import (
	"testing"

	"github.com/fenio/nvme-stasd/internal/dlpe"
	"github.com/fenio/nvme-stasd/internal/ipc"
)

func TestNonReferralEntriesFiltersReferrals(t *testing.T) {
	pages := []ipc.LogPage{
		{Trtype: "tcp", Traddr: "10.0.0.1", Trsvcid: "8009", Subnqn: "nqn.referral", Subtype: string(dlpe.SubtypeReferral)},
		{Trtype: "tcp", Traddr: "10.0.0.2", Trsvcid: "4420", Subnqn: "nqn.sub", Subtype: string(dlpe.SubtypeNVM)},
	}

	out := nonReferralEntries(pages)

	if len(out) != 1 {
		t.Fatalf("expected 1 non-referral entry, got %d", len(out))
	}
	if out[0].Subnqn != "nqn.sub" {
		t.Errorf("unexpected entry: %+v", out[0])
	}
}

func TestDLPEFeedUpdateBuildsDesiredSet(t *testing.T) {
	f := &dlpeFeed{}
	entries := []ipc.AllLogPagesEntry{
		{
			DiscoveryController: ipc.ControllerSummary{
				Transport: "tcp",
				Traddr:    "10.0.0.1",
				Trsvcid:   "8009",
				SubsysNQN: "nqn.2014-08.org.nvmexpress.discovery",
			},
			LogPages: []ipc.LogPage{
				{Trtype: "tcp", Traddr: "10.0.0.2", Trsvcid: "4420", Subnqn: "nqn.sub", Subtype: string(dlpe.SubtypeNVM)},
				{Trtype: "tcp", Traddr: "10.0.0.3", Trsvcid: "8009", Subnqn: "nqn.next", Subtype: string(dlpe.SubtypeReferral)},
			},
		},
	}

	f.update(entries)
	fields := f.Source()

	if len(fields) != 1 {
		t.Fatalf("expected 1 desired-set entry (referral filtered out), got %d: %+v", len(fields), fields)
	}
	if fields[0]["traddr"] != "10.0.0.2" || fields[0]["subsysnqn"] != "nqn.sub" {
		t.Errorf("unexpected desired-set entry: %+v", fields[0])
	}
}

func TestDLPEFeedUpdateSkipsUnparsableController(t *testing.T) {
	f := &dlpeFeed{}
	entries := []ipc.AllLogPagesEntry{
		{
			DiscoveryController: ipc.ControllerSummary{Transport: "bogus", Traddr: "10.0.0.1"},
			LogPages: []ipc.LogPage{
				{Trtype: "tcp", Traddr: "10.0.0.2", Trsvcid: "4420", Subnqn: "nqn.sub", Subtype: string(dlpe.SubtypeNVM)},
			},
		},
	}

	f.update(entries)

	if fields := f.Source(); len(fields) != 0 {
		t.Errorf("expected no desired-set entries for an unparsable discovery controller, got %+v", fields)
	}
}
