package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Partitioner prepares the target device: partition table, filesystems,
// raw bootloader region and mounts.
type Partitioner interface {
	PartitionDevice(ctx context.Context, device string) error
	WaitForPartitionNodes(ctx context.Context, device string, timeout time.Duration) error
	FormatPartitions(ctx context.Context, device string) error
	InstallBootloader(ctx context.Context, device, imagePath string) error
	MountPartitions(ctx context.Context, device string, mounts MountPointMap) error
	UnmountPartitions(ctx context.Context, paths []string) error
}

// SystemProvisioner installs the base system onto mounted partitions.
type SystemProvisioner interface {
	Install(ctx context.Context, mounts MountPointMap, kernelFiles, bootloaderFiles ArtifactMap) error
	ConfigureAutoLogin(ctx context.Context, rootMount string) error
	ConfigureShutdown(ctx context.Context, rootMount string) error
}

// DesktopProvisioner installs the desktop environment onto a mounted system.
type DesktopProvisioner interface {
	Install(ctx context.Context, rootMount string) error
	ConfigureBatteryMonitor(ctx context.Context, rootMount string) error
}

// Options control a single installation run.
type Options struct {
	// SkipBuild reuses artifacts from a previous build instead of
	// compiling the bootloader and kernel.
	SkipBuild bool
	// NoDesktop installs a console-only system.
	NoDesktop bool
}

// Executor drives one installation run through its stages in order. Gating
// stages short-circuit the run on failure; best-effort stages only log.
// Once partitions are mounted they are always unmounted before Execute
// returns, regardless of how the run ends.
type Executor struct {
	uboot       Builder
	kernel      Builder
	partitioner Partitioner
	system      SystemProvisioner
	desktop     DesktopProvisioner
	journal     *Journal
	mountDir    string
}

func NewExecutor(uboot, kernel Builder, partitioner Partitioner, system SystemProvisioner, desktop DesktopProvisioner, journal *Journal, mountDir string) *Executor {
	return &Executor{
		uboot:       uboot,
		kernel:      kernel,
		partitioner: partitioner,
		system:      system,
		desktop:     desktop,
		journal:     journal,
		mountDir:    mountDir,
	}
}

// Execute runs the full installation pipeline against device.
func (e *Executor) Execute(ctx context.Context, device string, opts Options) (err error) {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"device":     device,
		"skip_build": opts.SkipBuild,
	})
	ctx = WithLogger(ctx, logger)
	logger.Info("starting installation")

	var run *InstallationRun
	if e.journal != nil {
		run, err = e.journal.CreateRun(ctx, device, opts.SkipBuild)
		if err != nil {
			return fmt.Errorf("failed to create run record: %w", err)
		}
		defer func() {
			if ferr := e.journal.FinishRun(ctx, run.ID, err); ferr != nil {
				logger.WithError(ferr).Warn("failed to finalize run record")
			}
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("installation panicked: %v", r)
		}
	}()

	if !opts.SkipBuild {
		if err := e.runStage(ctx, run, StageBuild, func() error {
			if err := e.uboot.Build(ctx); err != nil {
				return fmt.Errorf("bootloader build failed: %w", err)
			}
			if err := e.kernel.Build(ctx); err != nil {
				return fmt.Errorf("kernel build failed: %w", err)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if err := e.runStage(ctx, run, StagePartition, func() error {
		if err := e.partitioner.PartitionDevice(ctx, device); err != nil {
			return err
		}
		if err := e.partitioner.WaitForPartitionNodes(ctx, device, partitionSettleTimeout); err != nil {
			return err
		}
		return e.partitioner.FormatPartitions(ctx, device)
	}); err != nil {
		return err
	}

	if err := e.runStage(ctx, run, StageBootloader, func() error {
		return e.partitioner.InstallBootloader(ctx, device, e.uboot.OutputPaths()[ArtifactUBoot])
	}); err != nil {
		return err
	}

	mounts := e.mountPoints()
	if err := e.runStage(ctx, run, StageMount, func() error {
		return e.partitioner.MountPartitions(ctx, device, mounts)
	}); err != nil {
		return err
	}
	// From here on the partitions are mounted; release them on every exit
	// path, including panics. Unmount failures are diagnostic only.
	defer func() {
		uerr := e.partitioner.UnmountPartitions(ctx, mounts.Descending())
		e.record(ctx, run, StageResult{Stage: StageUnmount, Err: uerr, BestEffort: true})
		if uerr != nil {
			logger.WithError(uerr).Warn("some partitions failed to unmount")
		}
	}()

	if err := e.runStage(ctx, run, StageSystem, func() error {
		return e.system.Install(ctx, mounts, e.kernel.OutputPaths(), e.fatArtifacts())
	}); err != nil {
		return err
	}

	if !opts.NoDesktop {
		if err := e.runStage(ctx, run, StageDesktop, func() error {
			return e.desktop.Install(ctx, mounts[2])
		}); err != nil {
			return err
		}
	}

	// Post-install conveniences. Failures here leave a bootable system,
	// so they are logged and recorded but never fail the run.
	e.bestEffort(ctx, run, "auto_login", func() error {
		return e.system.ConfigureAutoLogin(ctx, mounts[2])
	})
	e.bestEffort(ctx, run, "shutdown_hook", func() error {
		return e.system.ConfigureShutdown(ctx, mounts[2])
	})
	if !opts.NoDesktop {
		e.bestEffort(ctx, run, "battery_monitor", func() error {
			return e.desktop.ConfigureBatteryMonitor(ctx, mounts[2])
		})
	}

	if e.journal != nil {
		if jerr := e.journal.SetRunStage(ctx, run.ID, StageDone); jerr != nil {
			logger.WithError(jerr).Warn("failed to update run stage")
		}
	}
	logger.Info("installation complete")
	return nil
}

// mountPoints assigns a scratch directory per partition index.
func (e *Executor) mountPoints() MountPointMap {
	mounts := make(MountPointMap, PartitionCount)
	for i := 1; i <= PartitionCount; i++ {
		mounts[i] = filepath.Join(e.mountDir, fmt.Sprintf("p%d", i))
	}
	return mounts
}

// fatArtifacts collects the files U-Boot reads from the FAT partition:
// the display waveform from the kernel tree and the splash screen, when
// the bootloader build produced one.
func (e *Executor) fatArtifacts() ArtifactMap {
	files := ArtifactMap{}
	if p, ok := e.kernel.OutputPaths()[ArtifactWaveform]; ok {
		files[ArtifactWaveform] = p
	}
	if p, ok := e.uboot.OutputPaths()[ArtifactSplash]; ok {
		files[ArtifactSplash] = p
	}
	return files
}

// runStage executes a gating stage, recording the result either way.
func (e *Executor) runStage(ctx context.Context, run *InstallationRun, stage string, fn func() error) error {
	logger := GetLogger(ctx).WithField("stage", stage)
	logger.Info("stage starting")

	if e.journal != nil {
		if err := e.journal.SetRunStage(ctx, run.ID, stage); err != nil {
			logger.WithError(err).Warn("failed to update run stage")
		}
	}

	err := fn()
	e.record(ctx, run, StageResult{Stage: stage, Err: err})
	if err != nil {
		logger.WithError(err).Error("stage failed")
		return fmt.Errorf("stage %s failed: %w", stage, err)
	}
	logger.Info("stage complete")
	return nil
}

// bestEffort executes a non-gating step; a failure is logged and recorded
// but never propagated.
func (e *Executor) bestEffort(ctx context.Context, run *InstallationRun, name string, fn func() error) {
	logger := GetLogger(ctx).WithField("step", name)

	err := fn()
	e.record(ctx, run, StageResult{Stage: name, Err: err, BestEffort: true})
	if err != nil {
		logger.WithError(err).Warn("optional step failed, continuing")
		return
	}
	logger.Info("optional step complete")
}

func (e *Executor) record(ctx context.Context, run *InstallationRun, result StageResult) {
	if e.journal == nil || run == nil {
		return
	}
	if err := e.journal.RecordEvent(ctx, run.ID, result); err != nil {
		GetLogger(ctx).WithError(err).Warn("failed to record stage result")
	}
}
