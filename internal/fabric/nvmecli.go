package fabric

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/fenio/nvme-stasd/internal/dlpe"
	"github.com/fenio/nvme-stasd/internal/retry"
	"k8s.io/klog/v2"
)

// Static errors for nvme-cli invocations.
var (
	ErrNVMeCLINotFound = errors.New("fabric: nvme command not found - please install nvme-cli")
	ErrNotConnected    = errors.New("fabric: device not connected")
)

// NVMeCLI is the nvme-cli-backed Binding implementation: every operation
// shells out to the `nvme` binary, mirroring how a kernel without a
// native Go netlink/ioctl binding is driven in practice.
type NVMeCLI struct {
	// Retry governs bounded retries of the connect sub-operation; the
	// controller state machine owns the outer fast/slow retry schedule,
	// this is strictly for absorbing "target not ready yet" blips within
	// a single attempt.
	Retry retry.RetryConfig
}

// NewNVMeCLI constructs an NVMeCLI binding with sensible defaults.
func NewNVMeCLI() *NVMeCLI {
	return &NVMeCLI{Retry: retry.DefaultRetryConfig()}
}

func (n *NVMeCLI) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	//nolint:gosec // args are built from validated ConnectParams fields, not raw user input
	cmd := exec.CommandContext(runCtx, "nvme", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return out, ErrNVMeCLINotFound
		}
		return out, fmt.Errorf("nvme %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func connectArgs(p ConnectParams) []string {
	args := []string{"connect", "-t", p.Transport, "-a", p.Traddr, "-s", p.Trsvcid}
	if p.Discovery {
		args = append(args, "-q", p.HostNQN)
	} else {
		args = append(args, "-n", p.SubsysNQN, "-q", p.HostNQN)
	}
	if p.HostID != "" {
		args = append(args, "-I", p.HostID)
	}
	if p.HostTraddr != "" {
		args = append(args, "-w", p.HostTraddr)
	}
	if p.HostIface != "" {
		args = append(args, "-f", p.HostIface)
	}
	if p.Kato > 0 {
		args = append(args, "-k", strconv.Itoa(int(p.Kato.Seconds())))
	}
	if p.QueueSize > 0 {
		args = append(args, "-Q", strconv.Itoa(p.QueueSize))
	}
	if p.HdrDigest {
		args = append(args, "-g")
	}
	if p.DataDigest {
		args = append(args, "-G")
	}
	if p.NrIOQueues > 0 {
		args = append(args, "-i", strconv.Itoa(p.NrIOQueues))
	}
	if p.NrWriteQueues > 0 {
		args = append(args, "-W", strconv.Itoa(p.NrWriteQueues))
	}
	if p.NrPollQueues > 0 {
		args = append(args, "-P", strconv.Itoa(p.NrPollQueues))
	}
	if p.ReconnectDelay > 0 {
		args = append(args, "-c", strconv.Itoa(int(p.ReconnectDelay.Seconds())))
	}
	if p.CtrlLossTmo != 0 {
		args = append(args, "-l", strconv.Itoa(int(p.CtrlLossTmo.Seconds())))
	}
	if p.DisableSQFlow {
		args = append(args, "-d")
	}
	if p.DhchapHostKey != "" {
		args = append(args, "-S", p.DhchapHostKey)
	}
	if p.DhchapCtrlKey != "" {
		args = append(args, "-C", p.DhchapCtrlKey)
	}
	return args
}

// isRetryableConnectError reports whether a connect failure looks like a
// transient "target not accepting connections yet" condition worth
// retrying within this one attempt.
func isRetryableConnectError(err error) bool {
	if err == nil {
		return false
	}
	patterns := []string{
		"failed to write to nvme-fabrics device",
		"could not add new controller",
		"connection refused",
		"connection timed out",
		"no route to host",
		"network is unreachable",
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Connect implements Binding.
func (n *NVMeCLI) Connect(ctx context.Context, p ConnectParams) (Device, error) {
	args := connectArgs(p)

	cfg := n.Retry
	cfg.RetryableFunc = isRetryableConnectError
	cfg.OperationName = fmt.Sprintf("nvme-connect(%s)", p.SubsysNQN)

	var out []byte
	err := retry.WithRetryNoResult(ctx, cfg, func() error {
		o, rerr := n.run(ctx, 30*time.Second, args...)
		if rerr != nil && strings.Contains(strings.ToLower(string(o)), "already connected") {
			klog.V(4).Infof("fabric: %s already connected", p.SubsysNQN)
			return nil
		}
		out = o
		return rerr
	})
	if err != nil {
		return Device{}, err
	}

	n.triggerUdev(ctx)

	devName, err := n.findDeviceByNQN(ctx, p.SubsysNQN)
	if err != nil {
		return Device{}, fmt.Errorf("fabric: locating device after connect: %w (nvme output: %s)", err, strings.TrimSpace(string(out)))
	}
	return Device{Name: devName, Connected: true}, nil
}

// InitFromExisting implements Binding.
func (n *NVMeCLI) InitFromExisting(ctx context.Context, deviceName string) (Device, error) {
	if !n.Connected(ctx, Device{Name: deviceName}) {
		return Device{}, fmt.Errorf("%w: %s", ErrNotConnected, deviceName)
	}
	return Device{Name: deviceName, Connected: true}, nil
}

// Disconnect implements Binding.
func (n *NVMeCLI) Disconnect(ctx context.Context, device Device) error {
	_, err := n.run(ctx, 15*time.Second, "disconnect", "-d", "/dev/"+device.Name)
	return err
}

// Discover implements Binding.
func (n *NVMeCLI) Discover(ctx context.Context, device Device, lsp uint8) ([]dlpe.Entry, error) {
	args := []string{"discover", "-d", "/dev/" + device.Name, "-o", "json"}
	if lsp != 0 {
		args = append(args, "--lsp", strconv.Itoa(int(lsp)))
	}
	out, err := n.run(ctx, 20*time.Second, args...)
	if err != nil {
		return nil, err
	}
	return parseDiscoveryLog(out)
}

// SupportedLogPages implements Binding.
func (n *NVMeCLI) SupportedLogPages(ctx context.Context, device Device) (SupportedLogPages, error) {
	out, err := n.run(ctx, 10*time.Second, "get-log", "/dev/"+device.Name, "--log-id=0x00", "--log-len=4")
	if err != nil {
		return SupportedLogPages{}, err
	}
	raw := parseHexDumpUint32(out)
	return SupportedLogPages{
		Raw:         raw,
		LIDSupport:  raw != 0,
		ExtendedLSP: raw&0x1 != 0,
	}, nil
}

// RegistrationCtlr implements Binding. Discovery Information Management
// registration support varies by nvme-cli version and target; an
// "unsupported command" failure is treated as "skip registration", not
// an error, per the opaque-to-the-core contract of spec.md §9.
func (n *NVMeCLI) RegistrationCtlr(ctx context.Context, device Device, action RegistrationAction) ([]byte, error) {
	out, err := n.run(ctx, 10*time.Second, "dim", "-d", "/dev/"+device.Name, "--reg-"+string(action))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "invalid") || strings.Contains(strings.ToLower(err.Error()), "not supported") {
			klog.V(4).Infof("fabric: DIM register %s unsupported on %s, skipping", action, device.Name)
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// Connected implements Binding.
func (n *NVMeCLI) Connected(ctx context.Context, device Device) bool {
	out, err := n.run(ctx, 10*time.Second, "list-subsys", "-o", "json")
	if err != nil {
		return false
	}
	return strings.Contains(string(out), device.Name)
}

func (n *NVMeCLI) findDeviceByNQN(ctx context.Context, nqn string) (string, error) {
	out, err := n.run(ctx, 10*time.Second, "list-subsys", "-o", "json")
	if err != nil {
		return "", err
	}
	name := findSubsysDeviceName(out, nqn)
	if name == "" {
		return "", fmt.Errorf("fabric: no device found for %s", nqn)
	}
	return name, nil
}

// triggerUdev nudges the kernel/udev to enumerate a just-connected
// NVMe-oF device promptly rather than waiting for the next periodic
// uevent. Best-effort: failures are logged, never fatal.
func (n *NVMeCLI) triggerUdev(ctx context.Context) {
	triggerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	//nolint:gosec // fixed argument list, no user input
	cmd := exec.CommandContext(triggerCtx, "udevadm", "trigger", "--action=add", "--subsystem-match=nvme")
	if out, err := cmd.CombinedOutput(); err != nil {
		klog.V(4).Infof("fabric: udevadm trigger failed: %v (%s)", err, strings.TrimSpace(string(out)))
	}
}
