package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRunner records every invocation and fails those matched by failOn.
type fakeRunner struct {
	calls  []fakeCall
	failOn func(argv []string) error
}

type fakeCall struct {
	argv  []string
	stdin string
}

func (f *fakeRunner) Run(ctx context.Context, argv []string, opts RunOpts) (CmdResult, error) {
	stdin := ""
	if opts.Stdin != nil {
		data, _ := io.ReadAll(opts.Stdin)
		stdin = string(data)
	}
	f.calls = append(f.calls, fakeCall{argv: argv, stdin: stdin})
	if f.failOn != nil {
		if err := f.failOn(argv); err != nil {
			return CmdResult{ExitCode: 1}, err
		}
	}
	return CmdResult{}, nil
}

func (f *fakeRunner) commands() []string {
	cmds := make([]string, len(f.calls))
	for i, c := range f.calls {
		cmds[i] = strings.Join(c.argv, " ")
	}
	return cmds
}

func testPartitionConfig() PartitionConfig {
	return DefaultConfig().Partition
}

func TestPartitionDeviceFeedsScriptOverStdin(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	m := NewPartitionManager(runner, testPartitionConfig())

	err := m.PartitionDevice(context.Background(), "/dev/mmcblk1")
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	require.Equal(t, []string{"fdisk", "/dev/mmcblk1"}, runner.calls[0].argv)

	script := runner.calls[0].stdin
	require.True(t, strings.HasPrefix(script, "o\n"), "script must start with a fresh partition table")
	require.True(t, strings.HasSuffix(script, "w\n"), "script must end by writing the table")
	require.Contains(t, script, "+20M\n", "FAT partition size")
	require.Contains(t, script, "+2G\n", "system partition size")
	require.Contains(t, script, "t\nc\na\n", "FAT partition type and boot flag")
}

func TestFdiskScriptHomeTakesRestOfDisk(t *testing.T) {
	t.Parallel()

	cfg := testPartitionConfig()
	cfg.Layout.HomeSizeGiB = 0
	m := NewPartitionManager(&fakeRunner{}, cfg)

	script := m.fdiskScript()
	// The third partition's size answer is an empty line.
	require.Contains(t, script, "n\np\n3\n\n\nw\n")
}

func TestFdiskScriptHomeExplicitSize(t *testing.T) {
	t.Parallel()

	cfg := testPartitionConfig()
	cfg.Layout.HomeSizeGiB = 4
	m := NewPartitionManager(&fakeRunner{}, cfg)

	require.Contains(t, m.fdiskScript(), "n\np\n3\n\n+4G\n")
}

func TestFormatPartitionsOrderAndFlags(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	m := NewPartitionManager(runner, testPartitionConfig())

	err := m.FormatPartitions(context.Background(), "/dev/mmcblk1")
	require.NoError(t, err)

	cmds := runner.commands()
	require.Len(t, cmds, 3)
	require.Equal(t, "mkfs.vfat /dev/mmcblk1p1", cmds[0])
	require.Equal(t, "mkfs.ext4 -O ^64bit -O ^metadata_csum -O uninit_bg -J size=4 -b 1024 -i 4096 -I 128 /dev/mmcblk1p2", cmds[1])
	require.Equal(t, "mkfs.ext4 -O ^64bit -O ^metadata_csum -O uninit_bg -J size=4 -b 1024 -i 4096 -I 128 /dev/mmcblk1p3", cmds[2])
}

func TestFormatPartitionsStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		failOn: func(argv []string) error {
			if argv[len(argv)-1] == "/dev/mmcblk1p2" {
				return errors.New("mkfs exploded")
			}
			return nil
		},
	}
	m := NewPartitionManager(runner, testPartitionConfig())

	err := m.FormatPartitions(context.Background(), "/dev/mmcblk1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "system partition")
	// p3 must never be touched after p2 failed.
	require.Len(t, runner.calls, 2)
}

// installTestSysfs builds a fake /sys/block tree with a force_ro knob for
// the boot region and returns its path plus a reader for the knob.
func installTestSysfs(t *testing.T, device string) (string, func() string) {
	t.Helper()
	root := t.TempDir()
	bootBase := filepath.Base(BootRegionPath(device))
	dir := filepath.Join(root, bootBase)
	require.NoError(t, os.MkdirAll(dir, 0755))
	knob := filepath.Join(dir, "force_ro")
	require.NoError(t, os.WriteFile(knob, []byte("1\n"), 0644))
	return root, func() string {
		data, err := os.ReadFile(knob)
		require.NoError(t, err)
		return string(data)
	}
}

func TestInstallBootloaderWipesThenWritesWithOffset(t *testing.T) {
	t.Parallel()

	device := "/dev/mmcblk1"
	runner := &fakeRunner{}
	m := NewPartitionManager(runner, testPartitionConfig())
	var readKnob func() string
	m.sysfsRoot, readKnob = installTestSysfs(t, device)

	err := m.InstallBootloader(context.Background(), device, "/out/u-boot.imx")
	require.NoError(t, err)

	cmds := runner.commands()
	require.Len(t, cmds, 2)
	require.Equal(t, "dd if=/dev/zero of=/dev/mmcblk1boot0 bs=512 count=4096", cmds[0])
	require.Equal(t, "dd if=/out/u-boot.imx of=/dev/mmcblk1boot0 bs=512 seek=2", cmds[1])
	require.Equal(t, "1\n", readKnob(), "boot region must end read-only")
}

func TestInstallBootloaderRestoresProtectionOnFailure(t *testing.T) {
	t.Parallel()

	device := "/dev/mmcblk1"
	runner := &fakeRunner{
		failOn: func(argv []string) error {
			if argv[1] != "if=/dev/zero" {
				return errors.New("dd failed")
			}
			return nil
		},
	}
	m := NewPartitionManager(runner, testPartitionConfig())
	var readKnob func() string
	m.sysfsRoot, readKnob = installTestSysfs(t, device)

	err := m.InstallBootloader(context.Background(), device, "/out/u-boot.imx")
	require.Error(t, err)
	require.Equal(t, "1\n", readKnob(), "protection must be restored even on failure")
}

func TestInstallBootloaderFailsWhenRegionNotWritable(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	m := NewPartitionManager(runner, testPartitionConfig())
	m.sysfsRoot = filepath.Join(t.TempDir(), "missing")

	err := m.InstallBootloader(context.Background(), "/dev/mmcblk1", "/out/u-boot.imx")
	require.Error(t, err)
	require.Empty(t, runner.calls, "no dd may run while the region is read-only")
}

func TestWaitForPartitionNodes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	device := filepath.Join(dir, "mmcblk1")
	m := NewPartitionManager(&fakeRunner{}, testPartitionConfig())

	err := m.WaitForPartitionNodes(context.Background(), device, 200*time.Millisecond)
	require.Error(t, err, "nodes never appear")

	for i := 1; i <= PartitionCount; i++ {
		require.NoError(t, os.WriteFile(PartitionPath(device, i), nil, 0644))
	}
	err = m.WaitForPartitionNodes(context.Background(), device, 200*time.Millisecond)
	require.NoError(t, err)
}

func TestMountPartitionsAscendingOrder(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	m := NewPartitionManager(runner, testPartitionConfig())

	base := t.TempDir()
	mounts := MountPointMap{}
	for i := 1; i <= PartitionCount; i++ {
		mounts[i] = filepath.Join(base, fmt.Sprintf("p%d", i))
	}

	err := m.MountPartitions(context.Background(), "/dev/mmcblk1", mounts)
	require.NoError(t, err)

	cmds := runner.commands()
	require.Len(t, cmds, 3)
	for i := 1; i <= PartitionCount; i++ {
		require.Equal(t, fmt.Sprintf("mount /dev/mmcblk1p%d %s", i, mounts[i]), cmds[i-1])
		require.DirExists(t, mounts[i])
	}
}

func TestMountPartitionsAbortsOnFirstFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		failOn: func(argv []string) error {
			if strings.HasSuffix(argv[1], "p2") {
				return errors.New("mount failed")
			}
			return nil
		},
	}
	m := NewPartitionManager(runner, testPartitionConfig())

	base := t.TempDir()
	mounts := MountPointMap{1: filepath.Join(base, "p1"), 2: filepath.Join(base, "p2"), 3: filepath.Join(base, "p3")}

	err := m.MountPartitions(context.Background(), "/dev/mmcblk1", mounts)
	require.Error(t, err)
	require.Len(t, runner.calls, 2, "p3 must not be mounted after p2 failed")
}

func TestUnmountPartitionsAttemptsEveryPath(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		failOn: func(argv []string) error {
			if argv[1] == "/mnt/p3" {
				return errors.New("target busy")
			}
			return nil
		},
	}
	m := NewPartitionManager(runner, testPartitionConfig())

	err := m.UnmountPartitions(context.Background(), []string{"/mnt/p3", "/mnt/p2", "/mnt/p1"})
	require.Error(t, err, "aggregate error reports the busy mount")

	cmds := runner.commands()
	require.Equal(t, []string{"umount /mnt/p3", "umount /mnt/p2", "umount /mnt/p1"}, cmds,
		"every path gets an unmount attempt in the given order")
}
