// Command stafd is the STorage Appliance Finder daemon: it discovers
// Discovery Controllers (from the [Controllers] section of the
// configuration file, NBFT tables, referrals in tracked Discovery
// Controllers' log pages, and the last-known configuration), keeps a
// Discovery Controller connection alive to each, and caches their
// discovery log pages for stacd to consume.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

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
		idlPath     string
	)

	klog.InitFlags(nil)

	root := &cobra.Command{
		Use:     "stafd",
		Short:   "STorage Appliance Finder daemon. Must be root to run this program.",
		Version: version + " (" + commit + ")",
		RunE: func(_ *cobra.Command, _ []string) error {
			if idlPath != "" {
				return writeIDL(idlPath)
			}
			return run(confFile, syslog, tron, metricsAddr)
		},
	}

	root.Flags().StringVarP(&confFile, "conf-file", "f", "/etc/stas/stafd.conf", "Configuration file")
	root.Flags().BoolVarP(&syslog, "syslog", "s", false, "Send messages to syslog instead of stdout")
	root.Flags().BoolVar(&tron, "tron", false, "Trace ON")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (disabled if empty)")
	root.Flags().StringVar(&idlPath, "idl", "", "Print D-Bus IDL to FILE ('-' for stdout), then exit")
	root.Flags().AddGoFlagSet(flag.CommandLine)

	return root
}

func run(confFile string, syslog, tron bool, metricsAddr string) error {
	if syslog {
		klog.Info("stafd: --syslog requested; logging to syslog is handled by the service supervisor journal capture")
	}

	d, err := daemon.New(daemon.Options{
		Program:     "stafd",
		ConfFile:    confFile,
		Subtype:     controller.SubtypeDC,
		MetricsAddr: metricsAddr,
		Tron:        tron,
	}, newDCConfig)
	if err != nil {
		return fmt.Errorf("stafd: %w", err)
	}

	d.StartMetrics()
	d.StartIPC(&finderBackend{d: d})
	d.Kick()

	ctx := context.Background()
	return d.Run(ctx, d.Config().PersistentConnections, func() {
		klog.Info("stafd: SIGHUP received, reload not yet implemented; re-kicking reconciler")
		d.Kick()
	})
}

// newDCConfig builds a Discovery Controller's connect parameters from the
// merged configuration, host identity, and one desired-set entry's fields.
func newDCConfig(cfg config.Config, identity config.Identity, fields map[string]string) controller.Config {
	hostIface := fields["host-iface"]
	if cfg.IgnoreIface {
		hostIface = ""
	}

	c := controller.Config{
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

	if !cfg.PersistentConnections {
		d := zeroconfUnresponsiveTimeout(cfg)
		c.UnresponsiveTimeout = d
	}

	return c
}

// zeroconfUnresponsiveTimeout returns the duration a discovered (mDNS/NBFT)
// Discovery Controller is allowed to stay unresponsive before being reaped,
// or nil if it should never be reaped.
func zeroconfUnresponsiveTimeout(cfg config.Config) *time.Duration {
	if cfg.ZeroconfConnectionsPersistence == nil {
		return nil
	}
	d := *cfg.ZeroconfConnectionsPersistence
	return &d
}

func writeIDL(path string) error {
	if path == "-" {
		_, err := fmt.Println(stafdIDL)
		return err
	}
	return os.WriteFile(path, []byte(stafdIDL), 0o644)
}
