// Command stacd is the STorage Appliance Connector daemon: it connects
// and maintains I/O Controller connections for every NVM subsystem
// surfaced by stafd's discovery log pages (plus any entries statically
// listed in the [Controllers] section), and disconnects them again on
// shutdown per the configured persistence scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/fenio/nvme-stasd/internal/config"
	"github.com/fenio/nvme-stasd/internal/controller"
	"github.com/fenio/nvme-stasd/internal/daemon"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		confFile    string
		syslog      bool
		tron        bool
		metricsAddr string
	)

	klog.InitFlags(nil)

	root := &cobra.Command{
		Use:     "stacd",
		Short:   "STorage Appliance Connector daemon. Must be root to run this program.",
		Version: version + " (" + commit + ")",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(confFile, syslog, tron, metricsAddr)
		},
	}

	root.Flags().StringVarP(&confFile, "conf-file", "f", "/etc/stas/stacd.conf", "Configuration file")
	root.Flags().BoolVarP(&syslog, "syslog", "s", false, "Send messages to syslog instead of stdout")
	root.Flags().BoolVar(&tron, "tron", false, "Trace ON")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (disabled if empty)")
	root.Flags().AddGoFlagSet(flag.CommandLine)

	return root
}

func run(confFile string, syslog, tron bool, metricsAddr string) error {
	if syslog {
		klog.Info("stacd: --syslog requested; logging to syslog is handled by the service supervisor journal capture")
	}

	d, err := daemon.New(daemon.Options{
		Program:     "stacd",
		ConfFile:    confFile,
		Subtype:     controller.SubtypeIOC,
		MetricsAddr: metricsAddr,
		Tron:        tron,
	}, newIOCConfig)
	if err != nil {
		return fmt.Errorf("stacd: %w", err)
	}

	d.StartMetrics()
	d.StartIPC(&connectorBackend{d: d})

	ctx := context.Background()
	feed := newDLPEFeed(ctx, d)
	d.Reconciler.AddSource(feed.Source)
	d.Kick()

	keepConnections := d.Config().DisconnectScope == config.DisconnectNone
	return d.Run(ctx, keepConnections, func() {
		klog.Info("stacd: SIGHUP received, reload not yet implemented; re-kicking reconciler")
		d.Kick()
	})
}

// newIOCConfig builds an I/O Controller's connect parameters from the
// merged configuration, host identity, and one desired-set entry's
// fields.
func newIOCConfig(cfg config.Config, identity config.Identity, fields map[string]string) controller.Config {
	hostIface := fields["host-iface"]
	if cfg.IgnoreIface {
		hostIface = ""
	}
	return controller.Config{
		HostNQN:              identity.HostNQN,
		HostID:               identity.HostID,
		HostIface:            hostIface,
		Kato:                 cfg.Kato,
		QueueSize:            cfg.QueueSize,
		HdrDigest:            cfg.HdrDigest,
		DataDigest:           cfg.DataDigest,
		NrIOQueues:           cfg.NrIOQueues,
		NrPollQueues:         cfg.NrPollQueues,
		NrWriteQueues:        cfg.NrWriteQueues,
		ReconnectDelay:       cfg.ReconnectDelay,
		CtrlLossTmo:          cfg.CtrlLossTmo,
		DisableSQFlow:        cfg.DisableSQFlow,
		DhchapHostKey:        identity.HostKey,
		ConnectAttemptsOnNCC: cfg.ConnectAttemptsOnNCC,
	}
}
