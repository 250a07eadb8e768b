package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// VerificationCheck is one pass/fail observation about an installed device.
type VerificationCheck struct {
	Name   string
	OK     bool
	Detail string
}

// VerificationReport aggregates the checks performed against a device.
type VerificationReport struct {
	Device string
	Checks []VerificationCheck
}

// OK reports whether every check passed.
func (r *VerificationReport) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// InstallationVerifier inspects a device after installation: device nodes,
// mountable filesystems and the files the tablet needs to boot. It is
// read-only apart from the scratch mounts it creates and removes.
type InstallationVerifier struct {
	runner       Runner
	scratchDir   string
	checkDesktop bool
	checkNetwork bool
}

func NewInstallationVerifier(runner Runner, cfg *Config) *InstallationVerifier {
	return &InstallationVerifier{
		runner:       runner,
		scratchDir:   filepath.Join(cfg.Paths.OutputDir, "verify"),
		checkDesktop: cfg.Desktop.Environment != "" && cfg.Desktop.Environment != "none",
		checkNetwork: cfg.System.Network.USBNetworking.Enable,
	}
}

// Verify mounts the device's partitions read-only, checks for the files an
// installed system needs, and unmounts in descending order before returning.
func (v *InstallationVerifier) Verify(ctx context.Context, device string) (*VerificationReport, error) {
	logger := GetLogger(ctx).WithField("device", device)
	logger.Info("verifying installation")

	report := &VerificationReport{Device: device}

	report.add("boot region node", statCheck(BootRegionPath(device)))
	for i := 1; i <= PartitionCount; i++ {
		report.add(fmt.Sprintf("partition %d node", i), statCheck(PartitionPath(device, i)))
	}
	if !report.OK() {
		// Nothing to mount without the device nodes.
		return report, nil
	}

	mounts := make(MountPointMap, PartitionCount)
	for i := 1; i <= PartitionCount; i++ {
		dir := filepath.Join(v.scratchDir, fmt.Sprintf("p%d", i))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create scratch mount directory: %w", err)
		}
		mounts[i] = dir
	}

	mounted := make([]string, 0, PartitionCount)
	defer func() {
		for i := len(mounted) - 1; i >= 0; i-- {
			if _, err := v.runner.Run(ctx, []string{"umount", mounted[i]}, RunOpts{}); err != nil {
				logger.WithError(err).WithField("mount_point", mounted[i]).Warn("failed to unmount scratch mount")
			}
		}
	}()

	for i := 1; i <= PartitionCount; i++ {
		node := PartitionPath(device, i)
		if _, err := v.runner.Run(ctx, []string{"mount", "-o", "ro", node, mounts[i]}, RunOpts{}); err != nil {
			report.add(fmt.Sprintf("mount partition %d", i), fmt.Errorf("failed to mount %s: %w", node, err))
			continue
		}
		mounted = append(mounted, mounts[i])
		report.add(fmt.Sprintf("mount partition %d", i), nil)
	}

	for _, path := range v.requiredFiles(mounts) {
		report.add("file "+strings.TrimPrefix(path, v.scratchDir), statCheck(path))
	}

	logger.WithFields(logrus.Fields{
		"checks": len(report.Checks),
		"ok":     report.OK(),
	}).Info("verification complete")
	return report, nil
}

// requiredFiles lists the files an installed device must carry, relative to
// the scratch mounts.
func (v *InstallationVerifier) requiredFiles(mounts MountPointMap) []string {
	files := []string{
		filepath.Join(mounts[1], "waveform.bin"),
		filepath.Join(mounts[2], "boot", "zImage"),
		filepath.Join(mounts[2], "boot", "zero-gravitas.dtb"),
		filepath.Join(mounts[2], "etc", "fstab"),
		filepath.Join(mounts[2], "usr", "lib", "systemd", "systemd"),
	}
	if v.checkNetwork {
		files = append(files, filepath.Join(mounts[2], "etc", "systemd", "network", "usb0.network"))
	}
	if v.checkDesktop {
		files = append(files,
			filepath.Join(mounts[2], "usr", "bin", "startxfce4"),
			filepath.Join(mounts[2], "etc", "X11", "xorg.conf.d", "10-epdc.conf"),
			filepath.Join(mounts[2], "usr", "local", "bin", "epdc-init-auto"),
		)
	}
	return files
}

func (r *VerificationReport) add(name string, err error) {
	check := VerificationCheck{Name: name, OK: err == nil}
	if err != nil {
		check.Detail = err.Error()
	}
	r.Checks = append(r.Checks, check)
}

func statCheck(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

// Render formats the report for the terminal.
func (r *VerificationReport) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "verification report for %s\n", r.Device)
	for _, c := range r.Checks {
		mark := "ok  "
		if !c.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "  [%s] %s", mark, c.Name)
		if c.Detail != "" {
			fmt.Fprintf(&b, " (%s)", c.Detail)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
