package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Boot region erase window: 4096 sectors of 512 bytes (2 MiB), wiped
// before the bootloader image is written 2 sectors in.
const (
	bootRegionSectorSize = 512
	bootRegionWipeCount  = 4096
	bootRegionSeek       = 2
)

// partitionSettleTimeout bounds the wait for the kernel to publish new
// partition nodes after the table is rewritten.
const partitionSettleTimeout = 10 * time.Second

// PartitionManager partitions and formats the eMMC, installs the raw
// bootloader image into the boot region, and mounts/unmounts the fixed
// set of three partitions.
type PartitionManager struct {
	runner    Runner
	layout    PartitionLayout
	fs        FilesystemSpec
	sysfsRoot string // /sys/block, overridable in tests
}

func NewPartitionManager(runner Runner, cfg PartitionConfig) *PartitionManager {
	return &PartitionManager{
		runner:    runner,
		layout:    cfg.Layout,
		fs:        cfg.Filesystem,
		sysfsRoot: "/sys/block",
	}
}

// PartitionDevice writes a fresh DOS partition table with the fixed
// three-partition layout: FAT boot (bootable, type W95 FAT32 LBA), system,
// home. A zero home size takes the rest of the disk. The whole script is
// fed to a single fdisk invocation; any non-zero exit is terminal for the
// run.
func (m *PartitionManager) PartitionDevice(ctx context.Context, device string) error {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component": "partition",
		"device":    device,
	})
	logger.Info("partitioning device")

	script := m.fdiskScript()
	_, err := m.runner.Run(ctx, []string{"fdisk", device}, RunOpts{
		Stdin: strings.NewReader(script),
	})
	if err != nil {
		return fmt.Errorf("failed to partition %s: %w", device, err)
	}

	logger.Info("device partitioned")
	return nil
}

// fdiskScript builds the scripted fdisk input for the configured layout.
func (m *PartitionManager) fdiskScript() string {
	var b strings.Builder
	b.WriteString("o\n") // new DOS partition table

	// Partition 1: FAT boot, sized in MiB, type c (W95 FAT32 LBA), bootable.
	b.WriteString("n\np\n1\n\n")
	fmt.Fprintf(&b, "+%dM\n", m.layout.FATSizeMiB)
	b.WriteString("t\nc\na\n")

	// Partition 2: system root, sized in GiB.
	b.WriteString("n\np\n2\n\n")
	fmt.Fprintf(&b, "+%dG\n", m.layout.SystemSizeGiB)

	// Partition 3: home, sized in GiB or rest of disk when zero.
	b.WriteString("n\np\n3\n\n")
	if m.layout.HomeSizeGiB > 0 {
		fmt.Fprintf(&b, "+%dG\n", m.layout.HomeSizeGiB)
	} else {
		b.WriteString("\n")
	}

	b.WriteString("w\n")
	return b.String()
}

// WaitForPartitionNodes polls until all three partition nodes exist, so
// that mkfs operates on nodes the kernel has actually published. It fails
// if the device does not settle within the timeout.
func (m *PartitionManager) WaitForPartitionNodes(ctx context.Context, device string, timeout time.Duration) error {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component": "partition",
		"device":    device,
	})
	logger.Info("waiting for partition nodes")

	deadline := time.Now().Add(timeout)
	for {
		missing := ""
		for i := 1; i <= PartitionCount; i++ {
			node := PartitionPath(device, i)
			if _, err := os.Stat(node); err != nil {
				missing = node
				break
			}
		}
		if missing == "" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("partition node %s did not appear within %s", missing, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// FormatPartitions formats p1 with FAT and p2/p3 with the configured ext4
// parameters, stopping at the first failure. 64bit and metadata_csum are
// disabled and uninit_bg enabled; the target's U-Boot and 4.9 kernel
// cannot read ext4 filesystems with the newer features.
func (m *PartitionManager) FormatPartitions(ctx context.Context, device string) error {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component": "partition",
		"device":    device,
	})

	logger.Info("formatting FAT partition")
	if _, err := m.runner.Run(ctx, []string{"mkfs." + m.fs.FATType, PartitionPath(device, 1)}, RunOpts{}); err != nil {
		return fmt.Errorf("failed to format FAT partition: %w", err)
	}

	extParts := []struct {
		index  int
		name   string
		fsType string
	}{
		{2, "system", m.fs.SystemType},
		{3, "home", m.fs.HomeType},
	}
	for _, p := range extParts {
		logger.WithField("partition", p.name).Info("formatting ext partition")
		if _, err := m.runner.Run(ctx, m.mkfsExtCommand(p.fsType, PartitionPath(device, p.index)), RunOpts{}); err != nil {
			return fmt.Errorf("failed to format %s partition: %w", p.name, err)
		}
	}

	logger.Info("partitions formatted")
	return nil
}

func (m *PartitionManager) mkfsExtCommand(fsType, node string) []string {
	p := m.fs.Ext4Params
	return []string{
		"mkfs." + fsType,
		"-O", "^64bit",
		"-O", "^metadata_csum",
		"-O", "uninit_bg",
		"-J", fmt.Sprintf("size=%d", p.JournalSizeMiB),
		"-b", fmt.Sprintf("%d", p.BlockSize),
		"-i", fmt.Sprintf("%d", p.InodeRatio),
		"-I", fmt.Sprintf("%d", p.InodeSize),
		node,
	}
}

// InstallBootloader writes the raw bootloader image into the boot region:
// clear the region's read-only protection, wipe the first 2 MiB, write the
// image 2 sectors in, restore protection. Protection is restored on every
// exit path; a restore failure after an otherwise successful install still
// fails the operation so the device is never silently left writable.
func (m *PartitionManager) InstallBootloader(ctx context.Context, device, imagePath string) (err error) {
	bootDev := BootRegionPath(device)
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component":   "partition",
		"boot_region": bootDev,
		"image":       imagePath,
	})
	logger.Info("installing bootloader")

	if err := m.setBootRegionReadOnly(bootDev, false); err != nil {
		return fmt.Errorf("failed to make boot region writable: %w", err)
	}
	defer func() {
		if rerr := m.setBootRegionReadOnly(bootDev, true); rerr != nil {
			logger.WithError(rerr).Error("failed to restore boot region read-only protection")
			if err == nil {
				err = fmt.Errorf("failed to restore boot region protection: %w", rerr)
			}
		}
	}()

	_, err = m.runner.Run(ctx, []string{
		"dd", "if=/dev/zero", "of=" + bootDev,
		fmt.Sprintf("bs=%d", bootRegionSectorSize),
		fmt.Sprintf("count=%d", bootRegionWipeCount),
	}, RunOpts{})
	if err != nil {
		return fmt.Errorf("failed to wipe boot region: %w", err)
	}

	_, err = m.runner.Run(ctx, []string{
		"dd", "if=" + imagePath, "of=" + bootDev,
		fmt.Sprintf("bs=%d", bootRegionSectorSize),
		fmt.Sprintf("seek=%d", bootRegionSeek),
	}, RunOpts{})
	if err != nil {
		return fmt.Errorf("failed to write bootloader image: %w", err)
	}

	logger.Info("bootloader installed")
	return nil
}

// setBootRegionReadOnly toggles the force_ro sysfs knob for the boot
// region device.
func (m *PartitionManager) setBootRegionReadOnly(bootDev string, readOnly bool) error {
	val := "1"
	if !readOnly {
		val = "0"
	}
	path := filepath.Join(m.sysfsRoot, filepath.Base(bootDev), "force_ro")
	if err := os.WriteFile(path, []byte(val+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// MountPartitions mounts each partition at its mount point in ascending
// index order, creating the directories as needed. It aborts on the first
// failure and leaves already-mounted partitions mounted; releasing them is
// the caller's cleanup contract.
func (m *PartitionManager) MountPartitions(ctx context.Context, device string, mounts MountPointMap) error {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"component": "partition",
		"device":    device,
	})

	for i := 1; i <= PartitionCount; i++ {
		target, ok := mounts[i]
		if !ok {
			return fmt.Errorf("no mount point for partition %d", i)
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("failed to create mount point %s: %w", target, err)
		}
		node := PartitionPath(device, i)
		if _, err := m.runner.Run(ctx, []string{"mount", node, target}, RunOpts{}); err != nil {
			return fmt.Errorf("failed to mount %s: %w", node, err)
		}
		logger.WithFields(logrus.Fields{
			"partition":  node,
			"mountpoint": target,
		}).Info("partition mounted")
	}

	logger.Info("partitions mounted")
	return nil
}

// UnmountPartitions unmounts every given path, best effort: an individual
// failure is logged as a warning and the remaining paths are still
// attempted, so every resource gets a release attempt. The aggregate error
// is diagnostic only and never gates a run.
func (m *PartitionManager) UnmountPartitions(ctx context.Context, paths []string) error {
	logger := GetLogger(ctx).WithField("component", "partition")

	var errs []error
	for _, target := range paths {
		if _, err := m.runner.Run(ctx, []string{"umount", target}, RunOpts{}); err != nil {
			logger.WithError(err).WithField("mountpoint", target).Warn("failed to unmount")
			errs = append(errs, err)
			continue
		}
		logger.WithField("mountpoint", target).Info("unmounted")
	}
	return errors.Join(errs...)
}
