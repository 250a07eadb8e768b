package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// SystemInstaller populates the mounted partitions with the Parabola base
// system: rootfs, kernel files, bootloader support files and base
// configuration. ConfigureAutoLogin and ConfigureShutdown are best-effort
// post-install steps; their failure never fails a run.
type SystemInstaller struct {
	fetcher  *RootfsFetcher
	cfg      SystemConfig
	buildDir string
}

func NewSystemInstaller(fetcher *RootfsFetcher, cfg *Config) *SystemInstaller {
	return &SystemInstaller{
		fetcher:  fetcher,
		cfg:      cfg.System,
		buildDir: filepath.Join(cfg.Paths.BuildDir, "system"),
	}
}

// Install extracts the rootfs into the system partition, installs kernel
// and bootloader support files, and writes the base configuration.
func (s *SystemInstaller) Install(ctx context.Context, mounts MountPointMap, kernelFiles, bootloaderFiles ArtifactMap) error {
	logger := GetLogger(ctx).WithField("component", "system")
	logger.Info("installing system")

	rootfsPath := filepath.Join(s.buildDir, "parabola-rootfs.tar.gz")
	if err := s.fetcher.Fetch(ctx, s.cfg.RootfsURL, rootfsPath, s.cfg.RootfsChecksum); err != nil {
		return fmt.Errorf("failed to fetch rootfs: %w", err)
	}
	if err := extractRootfs(ctx, rootfsPath, mounts[2]); err != nil {
		return fmt.Errorf("failed to extract rootfs: %w", err)
	}
	if err := s.installKernelFiles(ctx, mounts[2], kernelFiles); err != nil {
		return fmt.Errorf("failed to install kernel files: %w", err)
	}
	if err := s.installBootloaderFiles(ctx, mounts[1], bootloaderFiles); err != nil {
		return fmt.Errorf("failed to install bootloader files: %w", err)
	}
	if err := s.configureSystem(ctx, mounts[2]); err != nil {
		return fmt.Errorf("failed to configure system: %w", err)
	}

	logger.Info("system installed")
	return nil
}

func (s *SystemInstaller) installKernelFiles(ctx context.Context, rootMount string, kernelFiles ArtifactMap) error {
	GetLogger(ctx).Info("installing kernel files")

	bootDir := filepath.Join(rootMount, "boot")
	if err := os.MkdirAll(bootDir, 0755); err != nil {
		return fmt.Errorf("failed to create boot directory: %w", err)
	}
	if err := copyFile(kernelFiles[ArtifactKernel], filepath.Join(bootDir, "zImage")); err != nil {
		return fmt.Errorf("failed to install kernel image: %w", err)
	}
	if err := copyFile(kernelFiles[ArtifactDTB], filepath.Join(bootDir, "zero-gravitas.dtb")); err != nil {
		return fmt.Errorf("failed to install device tree: %w", err)
	}
	return nil
}

// installBootloaderFiles places the display waveform and optional splash
// screen on the FAT partition, where U-Boot reads them.
func (s *SystemInstaller) installBootloaderFiles(ctx context.Context, fatMount string, bootloaderFiles ArtifactMap) error {
	GetLogger(ctx).Info("installing bootloader support files")

	if src, ok := bootloaderFiles[ArtifactWaveform]; ok {
		if err := copyFile(src, filepath.Join(fatMount, "waveform.bin")); err != nil {
			return fmt.Errorf("failed to install waveform: %w", err)
		}
	}
	if src, ok := bootloaderFiles[ArtifactSplash]; ok {
		if err := copyFile(src, filepath.Join(fatMount, "splash.bmp")); err != nil {
			return fmt.Errorf("failed to install splash screen: %w", err)
		}
	}
	return nil
}

func (s *SystemInstaller) configureSystem(ctx context.Context, rootMount string) error {
	logger := GetLogger(ctx).WithField("component", "system")
	logger.Info("configuring system")

	if err := s.writeFstab(rootMount); err != nil {
		return err
	}
	if err := s.configureNetwork(rootMount); err != nil {
		return err
	}
	if err := s.configureSerialConsole(rootMount); err != nil {
		return err
	}
	if err := s.configurePAM(rootMount); err != nil {
		return err
	}
	return nil
}

func (s *SystemInstaller) writeFstab(rootMount string) error {
	fstab := strings.Join([]string{
		"/dev/mmcblk1p2  /               auto    defaults                    1  1",
		"/dev/mmcblk1p1  /var/lib/uboot  auto    defaults                    0  0",
		"/dev/mmcblk1p3  /home           auto    defaults                    0  2",
		"devpts  /dev/pts        devpts  mode=0620,gid=5                     0  0",
		"proc    /proc           proc    defaults                            0  0",
		"tmpfs   /run            tmpfs   mode=0755,nodev,nosuid,strictatime  0  0",
		"tmpfs   /tmp            tmpfs   defaults                            0  0",
		"tmpfs   /root/.cache    tmpfs   defaults,size=20M                   0  0",
		"",
	}, "\n")

	path := filepath.Join(rootMount, "etc", "fstab")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create etc directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(fstab), 0644); err != nil {
		return fmt.Errorf("failed to write fstab: %w", err)
	}
	return nil
}

func (s *SystemInstaller) configureNetwork(rootMount string) error {
	usb := s.cfg.Network.USBNetworking
	if usb.Enable {
		dir := filepath.Join(rootMount, "etc", "systemd", "network")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create network directory: %w", err)
		}
		network := fmt.Sprintf("[Match]\nName=usb0\n\n[Network]\nAddress=%s/%d\n", usb.IPAddress, usb.PrefixLen)
		if err := os.WriteFile(filepath.Join(dir, "usb0.network"), []byte(network), 0644); err != nil {
			return fmt.Errorf("failed to write usb0.network: %w", err)
		}
	}

	dhcp := s.cfg.Network.DHCPServer
	if dhcp.Enable {
		conf := fmt.Sprintf("interface=usb0\nbind-interfaces\ndhcp-range=%s,%s,%dm\ndhcp-option=6\n",
			dhcp.RangeStart, dhcp.RangeEnd, dhcp.LeaseTimeMins)
		path := filepath.Join(rootMount, "etc", "dnsmasq.conf")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create etc directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(conf), 0644); err != nil {
			return fmt.Errorf("failed to write dnsmasq.conf: %w", err)
		}
	}
	return nil
}

// configureSerialConsole enables a getty on the USB gadget serial port so
// the tablet is reachable over USB.
func (s *SystemInstaller) configureSerialConsole(rootMount string) error {
	gettyDir := filepath.Join(rootMount, "etc", "systemd", "system", "getty.target.wants")
	if err := os.MkdirAll(gettyDir, 0755); err != nil {
		return fmt.Errorf("failed to create getty directory: %w", err)
	}
	link := filepath.Join(gettyDir, "serial-getty@ttyGS0.service")
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	if err := os.Symlink("/usr/lib/systemd/system/serial-getty@.service", link); err != nil {
		return fmt.Errorf("failed to enable serial getty: %w", err)
	}
	return nil
}

// configurePAM disables securetty checks and the systemd session module;
// the serial gadget console is not in securetty and logind is absent from
// the minimal image.
func (s *SystemInstaller) configurePAM(rootMount string) error {
	edits := []struct {
		file string
		old  string
		new  string
	}{
		{
			file: filepath.Join(rootMount, "etc", "pam.d", "login"),
			old:  "auth       required     pam_securetty.so",
			new:  "#auth       required     pam_securetty.so",
		},
		{
			file: filepath.Join(rootMount, "etc", "pam.d", "system-login"),
			old:  "session   optional   pam_systemd.so",
			new:  "#-session   optional   pam_systemd.so",
		},
	}

	for _, e := range edits {
		data, err := os.ReadFile(e.file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read %s: %w", e.file, err)
		}
		updated := strings.ReplaceAll(string(data), e.old, e.new)
		if err := os.WriteFile(e.file, []byte(updated), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", e.file, err)
		}
	}
	return nil
}

var agettyRe = regexp.MustCompile(`ExecStart=-/sbin/agetty.*`)

// ConfigureAutoLogin rewrites the tty1 getty unit to log in as root
// automatically. Best effort.
func (s *SystemInstaller) ConfigureAutoLogin(ctx context.Context, rootMount string) error {
	logger := GetLogger(ctx).WithField("component", "system")
	logger.Info("configuring automatic login")

	unit := filepath.Join(rootMount, "etc", "systemd", "system", "getty.target.wants", "getty@tty1.service")
	data, err := os.ReadFile(unit)
	if err != nil {
		return fmt.Errorf("getty service not found: %w", err)
	}

	// ReplaceAllLiteral: $TERM must stay a literal argument, not a
	// capture-group reference.
	updated := agettyRe.ReplaceAllLiteral(data, []byte("ExecStart=-/sbin/agetty -a root --noclear %I $TERM"))
	if err := os.WriteFile(unit, updated, 0644); err != nil {
		return fmt.Errorf("failed to write getty service: %w", err)
	}
	return nil
}

// ConfigureShutdown installs a shutdown hook that waits for Xorg to exit,
// trims the journal and paints the power-off bitmap. Best effort.
func (s *SystemInstaller) ConfigureShutdown(ctx context.Context, rootMount string) error {
	logger := GetLogger(ctx).WithField("component", "system")
	logger.Info("configuring graceful shutdown")

	hookDir := filepath.Join(rootMount, "var", "lib", "remarkable")
	if err := os.MkdirAll(hookDir, 0755); err != nil {
		return fmt.Errorf("failed to create shutdown hook directory: %w", err)
	}

	script := strings.Join([]string{
		"#!/usr/bin/env bash",
		"pgrep Xorg | xargs wait",
		"sleep 1",
		"journalctl --vacuum-size=100M",
		"/var/lib/remarkable/epdc-show-bitmap /var/lib/uboot/splash-off.raw",
		"",
	}, "\n")
	if err := os.WriteFile(filepath.Join(hookDir, "shutdown.sh"), []byte(script), 0755); err != nil {
		return fmt.Errorf("failed to write shutdown script: %w", err)
	}

	unit := strings.Join([]string{
		"[Unit]",
		"Description=rM shutdown helper",
		"",
		"[Service]",
		"Type=oneshot",
		"RemainAfterExit=true",
		"ExecStop=/var/lib/remarkable/shutdown.sh",
		"",
		"[Install]",
		"WantedBy=multi-user.target",
		"",
	}, "\n")
	unitPath := filepath.Join(rootMount, "etc", "systemd", "system", "remarkable-shutdown.service")
	if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
		return fmt.Errorf("failed to create systemd directory: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("failed to write shutdown service: %w", err)
	}
	return nil
}

// extractRootfs unpacks a gzipped rootfs tarball into destDir, preserving
// modes and recreating symlinks and hard links. Entries that would escape
// destDir are skipped.
func extractRootfs(ctx context.Context, tarPath, destDir string) error {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"tar_path": tarPath,
		"dest_dir": destDir,
	})
	logger.Info("extracting rootfs")

	file, err := os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("failed to open rootfs tarball: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		name := strings.TrimPrefix(filepath.Clean(header.Name), "/")
		if name == "" || name == "." {
			continue
		}
		if strings.HasPrefix(name, "..") {
			logger.WithField("path", header.Name).Warn("skipping unsafe path")
			continue
		}
		target := filepath.Join(destDir, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract %s: %w", target, err)
			}
			out.Close()

		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				logger.WithError(err).WithField("target", target).Warn("failed to create symlink")
			}

		case tar.TypeLink:
			linkTarget := filepath.Join(destDir, strings.TrimPrefix(header.Linkname, "/"))
			if err := os.Link(linkTarget, target); err != nil {
				logger.WithError(err).WithField("target", target).Warn("failed to create hard link")
			}

		default:
			logger.WithFields(logrus.Fields{
				"name": header.Name,
				"type": header.Typeflag,
			}).Debug("skipping unsupported entry type")
		}
	}

	logger.Info("rootfs extracted")
	return nil
}
