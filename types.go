package main

import (
	"fmt"
	"sort"
	"time"
)

// Stages of an installation run, in pipeline order.
const (
	StagePending    = "pending"
	StageBuild      = "build"
	StagePartition  = "partition"
	StageBootloader = "bootloader"
	StageMount      = "mount"
	StageSystem     = "system"
	StageDesktop    = "desktop"
	StageUnmount    = "unmount"
	StageDone       = "done"
)

// Run statuses recorded in the journal.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Named build artifacts shared between builders and installers.
const (
	ArtifactUBoot    = "uboot"
	ArtifactKernel   = "zImage"
	ArtifactDTB      = "dtb"
	ArtifactWaveform = "waveform"
	ArtifactSplash   = "splash"
)

// BootRegionSuffix is appended to the device path to form the raw boot
// region node, e.g. /dev/mmcblk1 -> /dev/mmcblk1boot0.
const BootRegionSuffix = "boot0"

// PartitionCount is fixed: FAT boot, system root, home.
const PartitionCount = 3

// ArtifactMap maps a symbolic artifact name to an absolute path on the
// build host. Produced by a builder, consumed by installers.
type ArtifactMap map[string]string

// MountPointMap maps a partition index (1..3) to a scratch mount directory.
type MountPointMap map[int]string

// PartitionPath returns the partition node for index i, e.g.
// /dev/mmcblk1 + 2 -> /dev/mmcblk1p2.
func PartitionPath(device string, i int) string {
	return fmt.Sprintf("%sp%d", device, i)
}

// BootRegionPath returns the raw boot region node for a device.
func BootRegionPath(device string) string {
	return device + BootRegionSuffix
}

// Ascending returns mount point paths in ascending partition-index order,
// the order partitions are mounted in.
func (m MountPointMap) Ascending() []string {
	return m.ordered(false)
}

// Descending returns mount point paths in descending partition-index order.
// Unmounting uses this order because later mounts may be nested under
// earlier ones (home under root).
func (m MountPointMap) Descending() []string {
	return m.ordered(true)
}

func (m MountPointMap) ordered(reverse bool) []string {
	idx := make([]int, 0, len(m))
	for i := range m {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	if reverse {
		for i, j := 0, len(idx)-1; i < j; i, j = i+1, j-1 {
			idx[i], idx[j] = idx[j], idx[i]
		}
	}
	paths := make([]string, 0, len(idx))
	for _, i := range idx {
		paths = append(paths, m[i])
	}
	return paths
}

// StageResult is the tagged outcome of one pipeline step. Best-effort
// results never affect the final outcome of a run; gating ones do.
type StageResult struct {
	Stage      string
	Err        error
	BestEffort bool
}

// Gating reports whether this result can fail the run.
func (r StageResult) Gating() bool { return !r.BestEffort }

// InstallationRun is the journal record for one end-to-end install.
// Runs are never resumed; the record exists for diagnostics only.
type InstallationRun struct {
	ID        string    `db:"id"`
	Device    string    `db:"device"`
	SkipBuild bool      `db:"skip_build"`
	Stage     string    `db:"stage"`
	Status    string    `db:"status"`
	Error     string    `db:"error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
