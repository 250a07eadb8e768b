package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// epdcWaveform is the one firmware blob the display controller needs;
// every other blob is stripped from the tree before building.
const epdcWaveform = "epdc_ES103CS1.fw.ihex"

// KernelBuilder clones, patches, configures and cross-compiles the
// reMarkable 4.9 kernel, producing the kernel image, device tree blob and
// EPDC waveform consumed by the installers.
type KernelBuilder struct {
	runner Runner
	cfg    KernelConfig
	jobs   int

	buildDir   string
	outputDir  string
	patchesDir string
}

func NewKernelBuilder(runner Runner, cfg *Config) *KernelBuilder {
	return &KernelBuilder{
		runner:     runner,
		cfg:        cfg.Kernel,
		jobs:       cfg.CrossCompilation.ParallelJobs,
		buildDir:   filepath.Join(cfg.Paths.BuildDir, "kernel"),
		outputDir:  filepath.Join(cfg.Paths.OutputDir, "kernel"),
		patchesDir: filepath.Join("resources", "patches", "kernel"),
	}
}

func (b *KernelBuilder) Build(ctx context.Context) error {
	logger := GetLogger(ctx).WithField("component", "kernel")
	logger.Info("building kernel")

	srcDir := filepath.Join(b.buildDir, "linux")
	if err := cloneOrPull(ctx, b.runner, b.cfg.Repo, b.cfg.Branch, srcDir); err != nil {
		return fmt.Errorf("failed to fetch kernel sources: %w", err)
	}
	if err := applyPatches(ctx, b.runner, b.patchesDir, srcDir); err != nil {
		return fmt.Errorf("failed to patch kernel: %w", err)
	}
	if err := b.stripProprietaryBlobs(ctx, srcDir); err != nil {
		return fmt.Errorf("failed to strip proprietary blobs: %w", err)
	}

	if _, err := b.runner.Run(ctx, []string{"make", "zero-gravitas_defconfig"}, RunOpts{
		Dir:   srcDir,
		Env:   crossEnv(),
		Build: true,
	}); err != nil {
		return fmt.Errorf("failed to configure kernel: %w", err)
	}

	if err := b.applyConfigOptions(srcDir); err != nil {
		logger.WithError(err).Warn("could not adjust kernel config, using defconfig as-is")
	}

	if _, err := b.runner.Run(ctx, []string{"make", "-j", strconv.Itoa(b.jobs)}, RunOpts{
		Dir:   srcDir,
		Env:   crossEnv(),
		Build: true,
	}); err != nil {
		return fmt.Errorf("failed to build kernel: %w", err)
	}

	if err := b.collectArtifacts(srcDir); err != nil {
		return err
	}

	logger.Info("kernel built")
	return nil
}

func (b *KernelBuilder) OutputPaths() ArtifactMap {
	return ArtifactMap{
		ArtifactKernel:   filepath.Join(b.outputDir, "zImage"),
		ArtifactDTB:      filepath.Join(b.outputDir, "zero-gravitas.dtb"),
		ArtifactWaveform: filepath.Join(b.outputDir, epdcWaveform),
	}
}

// stripProprietaryBlobs removes every firmware file except the EPDC
// waveform from the kernel tree.
func (b *KernelBuilder) stripProprietaryBlobs(ctx context.Context, srcDir string) error {
	logger := GetLogger(ctx).WithField("component", "kernel")

	firmwareDir := filepath.Join(srcDir, "firmware")
	if _, err := os.Stat(firmwareDir); os.IsNotExist(err) {
		return nil
	}

	return filepath.WalkDir(firmwareDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if d.Name() == epdcWaveform {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		logger.WithField("blob", path).Debug("removed proprietary blob")
		return nil
	})
}

// applyConfigOptions rewrites the defconfig according to the driver and
// hardware-support settings.
func (b *KernelBuilder) applyConfigOptions(srcDir string) error {
	configPath := filepath.Join(srcDir, "arch", "arm", "configs", "zero-gravitas_defconfig")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read defconfig: %w", err)
	}
	content := string(data)

	boolOpt := func(on bool) string {
		if on {
			return "y"
		}
		return "n"
	}

	d := b.cfg.Drivers
	content = ensureConfigOption(content, "CONFIG_FB_MXC_EINK_AUTO_UPDATE_MODE", boolOpt(d.EPDCAutoPartialRefresh))
	content = ensureConfigOption(content, "CONFIG_USB_ACM", boolOpt(d.USBEnableACM))
	content = ensureConfigOption(content, "CONFIG_USB_F_ACM", boolOpt(d.USBEnableACM))
	content = ensureConfigOption(content, "CONFIG_USB_U_SERIAL", boolOpt(d.USBEnableCDCComposite))
	content = ensureConfigOption(content, "CONFIG_USB_CDC_COMPOSITE", boolOpt(d.USBEnableCDCComposite))

	hw := b.cfg.HardwareSupport
	if hw.WiFiSupport {
		content = ensureConfigOption(content, "CONFIG_BRCMFMAC", "m")
	} else {
		content = ensureConfigOption(content, "CONFIG_BRCMFMAC", "n")
	}
	content = ensureConfigOption(content, "CONFIG_PM", boolOpt(hw.PowerManagement))
	content = ensureConfigOption(content, "CONFIG_PM_SLEEP", boolOpt(hw.PowerManagement))

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write defconfig: %w", err)
	}
	return nil
}

// ensureConfigOption sets option=value in a kconfig file body, replacing
// an existing assignment or appending a new one.
func ensureConfigOption(content, option, value string) string {
	re := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(option) + `=.*$`)
	if re.MatchString(content) {
		return re.ReplaceAllString(content, option+"="+value)
	}
	return content + "\n" + option + "=" + value + "\n"
}

func (b *KernelBuilder) collectArtifacts(srcDir string) error {
	outputs := map[string]string{
		filepath.Join(srcDir, "arch", "arm", "boot", "zImage"):                    filepath.Join(b.outputDir, "zImage"),
		filepath.Join(srcDir, "arch", "arm", "boot", "dts", "zero-gravitas.dtb"): filepath.Join(b.outputDir, "zero-gravitas.dtb"),
		filepath.Join(srcDir, "firmware", epdcWaveform):                           filepath.Join(b.outputDir, epdcWaveform),
	}
	for src, dst := range outputs {
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to collect %s: %w", filepath.Base(src), err)
		}
	}
	return nil
}
