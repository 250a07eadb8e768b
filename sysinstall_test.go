package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSystemInstaller(t *testing.T) *SystemInstaller {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Paths.BuildDir = t.TempDir()
	return NewSystemInstaller(NewRootfsFetcher(), cfg)
}

// writeTestTarball builds a small gzipped rootfs with a directory, two
// files, a symlink and one entry that tries to escape the destination.
func writeTestTarball(t *testing.T) string {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	entries := []struct {
		hdr  tar.Header
		body string
	}{
		{hdr: tar.Header{Name: "etc/", Typeflag: tar.TypeDir, Mode: 0755}},
		{hdr: tar.Header{Name: "etc/hostname", Typeflag: tar.TypeReg, Mode: 0644}, body: "parabola-rm\n"},
		{hdr: tar.Header{Name: "etc/os-release", Typeflag: tar.TypeReg, Mode: 0644}, body: "NAME=Parabola\n"},
		{hdr: tar.Header{Name: "etc/mtab", Typeflag: tar.TypeSymlink, Mode: 0777, Linkname: "/proc/self/mounts"}},
		{hdr: tar.Header{Name: "../escape", Typeflag: tar.TypeReg, Mode: 0644}, body: "nope"},
	}
	for _, e := range entries {
		e.hdr.Size = int64(len(e.body))
		require.NoError(t, tw.WriteHeader(&e.hdr))
		if e.body != "" {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "rootfs.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestExtractRootfs(t *testing.T) {
	t.Parallel()

	tarball := writeTestTarball(t)
	dest := t.TempDir()

	err := extractRootfs(context.Background(), tarball, dest)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "etc", "hostname"))
	require.NoError(t, err)
	require.Equal(t, "parabola-rm\n", string(data))

	link, err := os.Readlink(filepath.Join(dest, "etc", "mtab"))
	require.NoError(t, err)
	require.Equal(t, "/proc/self/mounts", link)

	_, err = os.Stat(filepath.Join(filepath.Dir(dest), "escape"))
	require.True(t, os.IsNotExist(err), "entries escaping the destination must be skipped")
}

func TestExtractRootfsMissingTarball(t *testing.T) {
	t.Parallel()

	err := extractRootfs(context.Background(), filepath.Join(t.TempDir(), "nope.tar.gz"), t.TempDir())
	require.Error(t, err)
}

func TestWriteFstab(t *testing.T) {
	t.Parallel()

	s := newTestSystemInstaller(t)
	root := t.TempDir()

	require.NoError(t, s.writeFstab(root))

	data, err := os.ReadFile(filepath.Join(root, "etc", "fstab"))
	require.NoError(t, err)
	fstab := string(data)
	require.Contains(t, fstab, "/dev/mmcblk1p2  /               auto")
	require.Contains(t, fstab, "/dev/mmcblk1p1  /var/lib/uboot")
	require.Contains(t, fstab, "/dev/mmcblk1p3  /home")
}

func TestConfigureNetwork(t *testing.T) {
	t.Parallel()

	s := newTestSystemInstaller(t)
	root := t.TempDir()

	require.NoError(t, s.configureNetwork(root))

	network, err := os.ReadFile(filepath.Join(root, "etc", "systemd", "network", "usb0.network"))
	require.NoError(t, err)
	require.Contains(t, string(network), "Name=usb0")
	require.Contains(t, string(network), "Address=10.11.99.1/24")

	dnsmasq, err := os.ReadFile(filepath.Join(root, "etc", "dnsmasq.conf"))
	require.NoError(t, err)
	require.Contains(t, string(dnsmasq), "dhcp-range=10.11.99.2,10.11.99.253,10m")
}

func TestConfigureNetworkDisabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.System.Network.USBNetworking.Enable = false
	cfg.System.Network.DHCPServer.Enable = false
	cfg.Paths.BuildDir = t.TempDir()
	s := NewSystemInstaller(NewRootfsFetcher(), cfg)

	root := t.TempDir()
	require.NoError(t, s.configureNetwork(root))

	_, err := os.Stat(filepath.Join(root, "etc", "systemd", "network", "usb0.network"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "etc", "dnsmasq.conf"))
	require.True(t, os.IsNotExist(err))
}

func TestConfigureSerialConsole(t *testing.T) {
	t.Parallel()

	s := newTestSystemInstaller(t)
	root := t.TempDir()

	require.NoError(t, s.configureSerialConsole(root))

	link := filepath.Join(root, "etc", "systemd", "system", "getty.target.wants", "serial-getty@ttyGS0.service")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, "/usr/lib/systemd/system/serial-getty@.service", target)

	// Idempotent when the link already exists.
	require.NoError(t, s.configureSerialConsole(root))
}

func TestConfigurePAM(t *testing.T) {
	t.Parallel()

	s := newTestSystemInstaller(t)
	root := t.TempDir()
	pamDir := filepath.Join(root, "etc", "pam.d")
	require.NoError(t, os.MkdirAll(pamDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pamDir, "login"),
		[]byte("auth       required     pam_securetty.so\nauth       include      system-local-login\n"), 0644))

	require.NoError(t, s.configurePAM(root))

	data, err := os.ReadFile(filepath.Join(pamDir, "login"))
	require.NoError(t, err)
	require.Contains(t, string(data), "#auth       required     pam_securetty.so")
}

func TestConfigureAutoLogin(t *testing.T) {
	t.Parallel()

	s := newTestSystemInstaller(t)
	root := t.TempDir()
	unitDir := filepath.Join(root, "etc", "systemd", "system", "getty.target.wants")
	require.NoError(t, os.MkdirAll(unitDir, 0755))
	unit := filepath.Join(unitDir, "getty@tty1.service")
	require.NoError(t, os.WriteFile(unit,
		[]byte("[Service]\nExecStart=-/sbin/agetty --noclear %I $TERM\n"), 0644))

	require.NoError(t, s.ConfigureAutoLogin(context.Background(), root))

	data, err := os.ReadFile(unit)
	require.NoError(t, err)
	require.Contains(t, string(data), "ExecStart=-/sbin/agetty -a root --noclear %I $TERM")
}

func TestConfigureAutoLoginMissingUnit(t *testing.T) {
	t.Parallel()

	s := newTestSystemInstaller(t)
	err := s.ConfigureAutoLogin(context.Background(), t.TempDir())
	require.Error(t, err)
}

func TestConfigureShutdown(t *testing.T) {
	t.Parallel()

	s := newTestSystemInstaller(t)
	root := t.TempDir()

	require.NoError(t, s.ConfigureShutdown(context.Background(), root))

	script, err := os.ReadFile(filepath.Join(root, "var", "lib", "remarkable", "shutdown.sh"))
	require.NoError(t, err)
	require.Contains(t, string(script), "journalctl --vacuum-size=100M")

	unit, err := os.ReadFile(filepath.Join(root, "etc", "systemd", "system", "remarkable-shutdown.service"))
	require.NoError(t, err)
	require.Contains(t, string(unit), "ExecStop=/var/lib/remarkable/shutdown.sh")
}

func TestInstallKernelFiles(t *testing.T) {
	t.Parallel()

	s := newTestSystemInstaller(t)
	src := t.TempDir()
	zImage := filepath.Join(src, "zImage")
	dtb := filepath.Join(src, "zero-gravitas.dtb")
	require.NoError(t, os.WriteFile(zImage, []byte("kernel"), 0644))
	require.NoError(t, os.WriteFile(dtb, []byte("dtb"), 0644))

	root := t.TempDir()
	err := s.installKernelFiles(context.Background(), root, ArtifactMap{
		ArtifactKernel: zImage,
		ArtifactDTB:    dtb,
	})
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(root, "boot", "zImage"))
	require.FileExists(t, filepath.Join(root, "boot", "zero-gravitas.dtb"))
}
