package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
)

const defaultConfigPath = "parabola-rm.yaml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(os.Args[2:])
	case "build":
		err = cmdBuild(ctx, os.Args[2:])
	case "install":
		err = cmdInstall(ctx, os.Args[2:])
	case "env":
		err = cmdEnv(ctx, os.Args[2:])
	case "verify":
		err = cmdVerify(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		logrus.WithError(err).Error(os.Args[1] + " failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: parabola-rm-builder <command> [flags]

Commands:
  init      write a default configuration file
  build     cross-compile U-Boot and the kernel
  install   run the full installation against a device
  env       manage the cross-compilation environment (setup|clean)
  verify    check an installed device

Run 'parabola-rm-builder <command> -h' for command flags.
`)
}

// newLogger builds the root logger and injects it into a context.
func newLogger(ctx context.Context, verbose bool) (context.Context, *logrus.Logger) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.InfoLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return WithLogger(ctx, logger), logger
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("c", defaultConfigPath, "configuration file to write")
	force := fs.Bool("f", false, "overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -f to overwrite)", *configPath)
	}
	if err := DefaultConfig().Save(*configPath); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *configPath)
	return nil
}

func cmdBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	configPath := fs.String("c", defaultConfigPath, "configuration file")
	verbose := fs.Bool("v", false, "debug logging")
	bootloaderOnly := fs.Bool("bootloader", false, "build only the bootloader")
	kernelOnly := fs.Bool("kernel", false, "build only the kernel")
	fs.Parse(args)

	ctx, logger := newLogger(ctx, *verbose)
	cfg, err := LoadConfig(configFileOrDefaults(*configPath))
	if err != nil {
		return err
	}

	uboot, kernel, err := newBuilders(ctx, cfg, true)
	if err != nil {
		return err
	}

	buildAll := !*bootloaderOnly && !*kernelOnly
	if buildAll || *bootloaderOnly {
		logger.Info("building bootloader")
		if err := uboot.Build(ctx); err != nil {
			return fmt.Errorf("bootloader build failed: %w", err)
		}
	}
	if buildAll || *kernelOnly {
		logger.Info("building kernel")
		if err := kernel.Build(ctx); err != nil {
			return fmt.Errorf("kernel build failed: %w", err)
		}
	}

	logger.WithField("output_dir", cfg.Paths.OutputDir).Info("build complete")
	return nil
}

func cmdInstall(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	configPath := fs.String("c", defaultConfigPath, "configuration file")
	verbose := fs.Bool("v", false, "debug logging")
	device := fs.String("device", "", "target block device, e.g. /dev/mmcblk1 (required)")
	skipBuild := fs.Bool("skip-build", false, "reuse existing build artifacts")
	noDesktop := fs.Bool("no-desktop", false, "install a console-only system")
	fs.Parse(args)

	if *device == "" {
		fs.Usage()
		return fmt.Errorf("-device is required")
	}

	ctx, logger := newLogger(ctx, *verbose)
	cfg, err := LoadConfig(configFileOrDefaults(*configPath))
	if err != nil {
		return err
	}

	if os.Geteuid() != 0 {
		return fmt.Errorf("install must run as root")
	}
	if err := checkHostTools("fdisk", "mkfs.vfat", "mkfs.ext4", "dd", "mount", "umount"); err != nil {
		return err
	}

	uboot, kernel, err := newBuilders(ctx, cfg, !*skipBuild)
	if err != nil {
		return err
	}

	hostRunner := NewExecRunner(nil, nil)
	partitioner := NewPartitionManager(hostRunner, cfg.Partition)
	system := NewSystemInstaller(NewRootfsFetcher(), cfg)
	desktop := NewDesktopConfigurator(hostRunner, cfg)

	if err := os.MkdirAll(cfg.Paths.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	journal, err := NewJournal(filepath.Join(cfg.Paths.OutputDir, "runs.db"))
	if err != nil {
		return fmt.Errorf("failed to open run journal: %w", err)
	}
	defer journal.Close()

	executor := NewExecutor(uboot, kernel, partitioner, system, desktop, journal, cfg.MountDir())
	if err := executor.Execute(ctx, *device, Options{SkipBuild: *skipBuild, NoDesktop: *noDesktop}); err != nil {
		return err
	}

	logger.WithField("device", *device).Info("device ready")
	return nil
}

func cmdEnv(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("env", flag.ExitOnError)
	configPath := fs.String("c", defaultConfigPath, "configuration file")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Parse(args)

	if fs.NArg() != 1 || (fs.Arg(0) != "setup" && fs.Arg(0) != "clean") {
		return fmt.Errorf("usage: env [flags] setup|clean")
	}

	ctx, _ = newLogger(ctx, *verbose)
	cfg, err := LoadConfig(configFileOrDefaults(*configPath))
	if err != nil {
		return err
	}

	env := NewEnvManager(cfg.CrossCompilation)
	if fs.Arg(0) == "setup" {
		return env.Setup(ctx)
	}
	return env.Clean(ctx)
}

func cmdVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("c", defaultConfigPath, "configuration file")
	verbose := fs.Bool("v", false, "debug logging")
	device := fs.String("device", "", "target block device (required)")
	fs.Parse(args)

	if *device == "" {
		fs.Usage()
		return fmt.Errorf("-device is required")
	}

	ctx, _ = newLogger(ctx, *verbose)
	cfg, err := LoadConfig(configFileOrDefaults(*configPath))
	if err != nil {
		return err
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("verify must run as root")
	}

	verifier := NewInstallationVerifier(NewExecRunner(nil, nil), cfg)
	report, err := verifier.Verify(ctx, *device)
	if err != nil {
		return err
	}

	fmt.Print(report.Render())
	if !report.OK() {
		return fmt.Errorf("verification failed")
	}
	return nil
}

// newBuilders prepares the cross-compilation environment and the two
// builders that use it. With setupEnv false the builders only serve
// their output paths, so the toolchain is left untouched.
func newBuilders(ctx context.Context, cfg *Config, setupEnv bool) (*UBootBuilder, *KernelBuilder, error) {
	env := NewEnvManager(cfg.CrossCompilation)

	var toolchainVars map[string]string
	if setupEnv {
		if err := env.Setup(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to set up build environment: %w", err)
		}
		if !env.Containerized() {
			vars, err := env.ToolchainVars()
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load toolchain environment: %w", err)
			}
			toolchainVars = vars
		}
	}

	runner := NewExecRunner(env, toolchainVars)
	return NewUBootBuilder(runner, cfg), NewKernelBuilder(runner, cfg), nil
}

// configFileOrDefaults returns path if the file exists. A missing default
// config falls back to the built-in defaults; a missing explicit -c path is
// surfaced by LoadConfig as an error.
func configFileOrDefaults(path string) string {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); err != nil {
			return ""
		}
	}
	return path
}

func checkHostTools(tools ...string) error {
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("required tool not found: %s", tool)
		}
	}
	return nil
}
