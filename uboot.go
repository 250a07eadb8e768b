package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// Builder produces named build artifacts. OutputPaths is only meaningful
// after a successful Build (or a prior run's artifacts left on disk when
// the build stage is skipped).
type Builder interface {
	Build(ctx context.Context) error
	OutputPaths() ArtifactMap
}

// UBootBuilder clones, patches, configures and cross-compiles the
// reMarkable U-Boot fork, producing the raw u-boot.imx image written into
// the eMMC boot region.
type UBootBuilder struct {
	runner Runner
	cfg    BootloaderConfig
	jobs   int

	buildDir   string
	outputDir  string
	patchesDir string
}

func NewUBootBuilder(runner Runner, cfg *Config) *UBootBuilder {
	return &UBootBuilder{
		runner:     runner,
		cfg:        cfg.Bootloader,
		jobs:       cfg.CrossCompilation.ParallelJobs,
		buildDir:   filepath.Join(cfg.Paths.BuildDir, "uboot"),
		outputDir:  filepath.Join(cfg.Paths.OutputDir, "bootloader"),
		patchesDir: filepath.Join("resources", "patches", "bootloader"),
	}
}

func (b *UBootBuilder) Build(ctx context.Context) error {
	logger := GetLogger(ctx).WithField("component", "uboot")
	logger.Info("building U-Boot")

	srcDir := filepath.Join(b.buildDir, "uboot")
	if err := cloneOrPull(ctx, b.runner, b.cfg.Repo, b.cfg.Branch, srcDir); err != nil {
		return fmt.Errorf("failed to fetch U-Boot sources: %w", err)
	}
	if err := applyPatches(ctx, b.runner, b.patchesDir, srcDir); err != nil {
		return fmt.Errorf("failed to patch U-Boot: %w", err)
	}

	if _, err := b.runner.Run(ctx, []string{"make", "zero-gravitas_defconfig"}, RunOpts{
		Dir:   srcDir,
		Env:   crossEnv(),
		Build: true,
	}); err != nil {
		return fmt.Errorf("failed to configure U-Boot: %w", err)
	}

	if err := b.rewriteBootArgs(srcDir); err != nil {
		logger.WithError(err).Warn("could not rewrite boot arguments, using defaults")
	}

	if _, err := b.runner.Run(ctx, []string{"make", "-j", strconv.Itoa(b.jobs)}, RunOpts{
		Dir:   srcDir,
		Env:   crossEnv(),
		Build: true,
	}); err != nil {
		return fmt.Errorf("failed to build U-Boot: %w", err)
	}

	if err := os.MkdirAll(b.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := copyFile(filepath.Join(srcDir, "u-boot.imx"), b.OutputPaths()[ArtifactUBoot]); err != nil {
		return fmt.Errorf("failed to copy U-Boot image: %w", err)
	}

	logger.Info("U-Boot built")
	return nil
}

func (b *UBootBuilder) OutputPaths() ArtifactMap {
	return ArtifactMap{
		ArtifactUBoot: filepath.Join(b.outputDir, "u-boot.imx"),
	}
}

var mmcargsRe = regexp.MustCompile(`(?s)"mmcargs=setenv bootargs.*?\\0" \\`)

// rewriteBootArgs replaces the mmcargs line in the board header so the
// kernel command line points at the configured root device.
func (b *UBootBuilder) rewriteBootArgs(srcDir string) error {
	headerPath := filepath.Join(srcDir, "include", "configs", "zero-gravitas.h")
	data, err := os.ReadFile(headerPath)
	if err != nil {
		return fmt.Errorf("failed to read board header: %w", err)
	}

	p := b.cfg.BootParams
	mmcargs := fmt.Sprintf(
		"\"mmcargs=setenv bootargs console=${%s},${baudrate} \" \\\n"+
			"\t\t\"root=%s %s por=${por};\\0\" \\",
		p.Console, p.RootDevice, p.AdditionalParams)

	if !mmcargsRe.Match(data) {
		return fmt.Errorf("mmcargs definition not found in %s", headerPath)
	}
	data = mmcargsRe.ReplaceAll(data, []byte(mmcargs))

	if err := os.WriteFile(headerPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write board header: %w", err)
	}
	return nil
}

// crossEnv returns the explicit cross-compilation variables passed to
// every build command.
func crossEnv() map[string]string {
	return map[string]string{
		"ARCH":          "arm",
		"CROSS_COMPILE": "arm-poky-linux-gnueabi-",
	}
}

// cloneOrPull fetches a git repository into dir, updating it when it
// already exists.
func cloneOrPull(ctx context.Context, runner Runner, repo, branch, dir string) error {
	logger := GetLogger(ctx).WithField("repo", repo)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		logger.Info("repository exists, updating")
		if _, err := runner.Run(ctx, []string{"git", "pull"}, RunOpts{Dir: dir}); err != nil {
			return fmt.Errorf("git pull failed: %w", err)
		}
		return nil
	}

	logger.Info("cloning repository")
	argv := []string{"git", "clone"}
	if branch != "" {
		argv = append(argv, "--branch", branch)
	}
	argv = append(argv, repo, dir)
	if _, err := runner.Run(ctx, argv, RunOpts{}); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// applyPatches applies every *.patch under patchesDir to srcDir in
// lexical order. A missing or empty patch directory is not an error.
func applyPatches(ctx context.Context, runner Runner, patchesDir, srcDir string) error {
	logger := GetLogger(ctx)

	entries, err := os.ReadDir(patchesDir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("no patches to apply")
			return nil
		}
		return fmt.Errorf("failed to read patches directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".patch" {
			continue
		}
		patch, err := filepath.Abs(filepath.Join(patchesDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to resolve patch path: %w", err)
		}
		logger.WithField("patch", entry.Name()).Info("applying patch")
		if _, err := runner.Run(ctx, []string{"git", "apply", patch}, RunOpts{Dir: srcDir}); err != nil {
			return fmt.Errorf("failed to apply %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// copyFile copies src to dst, creating dst's directory as needed.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
