package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// newHostCommand builds a command for environment management probes
// (runtime detection, image inspection) that run before a Runner exists.
// The environment is explicit, matching the runner's base.
func newHostCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"LC_ALL=C",
	}
	return cmd
}

// EnvManager prepares the cross-compilation environment: either a
// container image carrying the reMarkable toolchain, or a directly
// installed toolchain whose environment-setup script is parsed into
// explicit variables for the runner. It never modifies the process
// environment.
type EnvManager struct {
	cfg     CrossCompilationConfig
	runtime string // docker or podman, resolved by Setup
}

const toolchainEnvScript = "poky-2.1.3/environment-setup-armv7at2hf-neon-poky-linux-gnueabi"

func NewEnvManager(cfg CrossCompilationConfig) *EnvManager {
	return &EnvManager{cfg: cfg, runtime: cfg.Container.Runtime}
}

// Containerized reports whether build commands run inside a container.
func (m *EnvManager) Containerized() bool {
	return m.cfg.EnvironmentType == "container"
}

// Setup prepares the environment: detects the container runtime and
// ensures the toolchain image exists, or verifies the direct toolchain
// install.
func (m *EnvManager) Setup(ctx context.Context) error {
	logger := GetLogger(ctx).WithField("component", "cross-env")

	if m.Containerized() {
		logger.Info("setting up containerized cross-compilation environment")
		if err := m.detectRuntime(ctx); err != nil {
			return err
		}
		image := m.imageName()
		if m.imageExists(ctx, image) {
			logger.WithField("image", image).Info("toolchain image already present")
			return nil
		}
		if err := m.buildImage(ctx, image); err != nil {
			return fmt.Errorf("failed to build toolchain image: %w", err)
		}
		logger.WithField("image", image).Info("toolchain image built")
		return nil
	}

	logger.Info("setting up direct toolchain environment")
	path, err := m.toolchainPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(path, toolchainEnvScript)); err != nil {
		return fmt.Errorf("toolchain not installed at %s: %w", path, err)
	}
	logger.WithField("path", path).Info("toolchain found")
	return nil
}

// Clean removes the toolchain image or the installed toolchain.
func (m *EnvManager) Clean(ctx context.Context) error {
	logger := GetLogger(ctx).WithField("component", "cross-env")
	if m.Containerized() {
		if err := m.detectRuntime(ctx); err != nil {
			return err
		}
		cmd := newHostCommand(ctx, m.runtime, "image", "rm", m.imageName())
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("failed to remove toolchain image: %w", err)
		}
		logger.Info("toolchain image removed")
		return nil
	}
	path, err := m.toolchainPath()
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove toolchain: %w", err)
	}
	logger.Info("toolchain removed")
	return nil
}

// ToolchainVars parses the environment-setup script of a directly
// installed toolchain into a variable map. Containerized environments
// need none; the image carries them.
func (m *EnvManager) ToolchainVars() (map[string]string, error) {
	vars := map[string]string{}
	if m.Containerized() {
		return vars, nil
	}
	path, err := m.toolchainPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(path, toolchainEnvScript))
	if err != nil {
		if os.IsNotExist(err) {
			return vars, nil
		}
		return nil, fmt.Errorf("failed to open toolchain env script: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "export ") {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(line, "export "), "=", 2)
		if len(kv) != 2 {
			continue
		}
		vars[kv[0]] = strings.Trim(kv[1], `"`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read toolchain env script: %w", err)
	}
	return vars, nil
}

// ContainerCommand wraps argv into a container invocation. cwd, when set,
// is mounted and used as the working directory inside the container.
func (m *EnvManager) ContainerCommand(argv []string, cwd string) []string {
	cmd := []string{m.runtime, "run", "--rm"}
	for _, mount := range m.cfg.Container.VolumeMounts {
		cmd = append(cmd, "-v", mount)
	}
	if cwd != "" {
		abs, err := filepath.Abs(cwd)
		if err == nil {
			cmd = append(cmd, "-v", abs+":/workspaces/cwd", "-w", "/workspaces/cwd")
		}
	}
	cmd = append(cmd, m.imageName())
	cmd = append(cmd, argv...)
	return cmd
}

func (m *EnvManager) imageName() string {
	return "parabola-rm-builder-toolchain:" + m.cfg.ToolchainVersion
}

func (m *EnvManager) toolchainPath() (string, error) {
	path := m.cfg.Direct.InstallPath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

func (m *EnvManager) detectRuntime(ctx context.Context) error {
	if m.runtime != "" {
		return nil
	}
	for _, rt := range []string{"docker", "podman"} {
		if err := newHostCommand(ctx, rt, "--version").Run(); err == nil {
			m.runtime = rt
			return nil
		}
	}
	return fmt.Errorf("container runtime (docker/podman) not found")
}

func (m *EnvManager) imageExists(ctx context.Context, image string) bool {
	return newHostCommand(ctx, m.runtime, "image", "inspect", image).Run() == nil
}

func (m *EnvManager) buildImage(ctx context.Context, image string) error {
	dockerfile, err := m.writeDockerfile()
	if err != nil {
		return err
	}
	cmd := newHostCommand(ctx, m.runtime, "build",
		"-t", image,
		"-f", dockerfile,
		filepath.Dir(dockerfile))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("image build failed: %w: %s", err, string(out))
	}
	return nil
}

const toolchainURL = "https://ipfs.eeems.website/ipfs/Qmdkdeh3bodwDLM9YvPrMoAi6dFYDDCodAnHvjG5voZxiC"

func (m *EnvManager) writeDockerfile() (string, error) {
	dir := filepath.Join("docker", "toolchain")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create dockerfile directory: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n\n", m.cfg.Container.BaseImage)
	b.WriteString("ENV DEBIAN_FRONTEND=noninteractive\n")
	b.WriteString("ENV TZ=UTC\n\n")
	b.WriteString("RUN apt-get update && \\\n")
	b.WriteString("    apt-get install -y --no-install-recommends \\\n")
	b.WriteString("        bc build-essential ca-certificates git make u-boot-tools wget xz-utils && \\\n")
	b.WriteString("    apt-get clean && rm -rf /var/lib/apt/lists/*\n\n")
	b.WriteString("RUN mkdir -p /opt/toolchain && cd /opt/toolchain && \\\n")
	fmt.Fprintf(&b, "    wget -q %s -O toolchain.tar.gz && \\\n", toolchainURL)
	b.WriteString("    tar xf toolchain.tar.gz && rm toolchain.tar.gz\n\n")
	b.WriteString("ENV PATH=\"/opt/toolchain/poky-2.1.3/sysroots/x86_64-pokysdk-linux/usr/bin:/opt/toolchain/poky-2.1.3/sysroots/x86_64-pokysdk-linux/usr/sbin:${PATH}\"\n")
	b.WriteString("ENV OECORE_NATIVE_SYSROOT=\"/opt/toolchain/poky-2.1.3/sysroots/x86_64-pokysdk-linux\"\n\n")
	b.WriteString("WORKDIR /workspaces\n")

	path := filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	return path, nil
}
