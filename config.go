package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full builder configuration. LoadConfig unmarshals a user
// file over DefaultConfig, so omitted fields keep their defaults.
type Config struct {
	CrossCompilation CrossCompilationConfig `yaml:"cross_compilation"`
	Partition        PartitionConfig        `yaml:"partition"`
	Bootloader       BootloaderConfig       `yaml:"bootloader"`
	Kernel           KernelConfig           `yaml:"kernel"`
	System           SystemConfig           `yaml:"system"`
	Desktop          DesktopConfig          `yaml:"desktop"`
	Paths            PathsConfig            `yaml:"paths"`
}

type CrossCompilationConfig struct {
	// EnvironmentType is "container" or "direct".
	EnvironmentType  string          `yaml:"environment_type"`
	ToolchainVersion string          `yaml:"toolchain_version"`
	Container        ContainerConfig `yaml:"container"`
	Direct           DirectConfig    `yaml:"direct"`
	ParallelJobs     int             `yaml:"parallel_jobs"`
}

type ContainerConfig struct {
	BaseImage    string   `yaml:"base_image"`
	Runtime      string   `yaml:"runtime"` // empty means auto-detect
	VolumeMounts []string `yaml:"volume_mounts"`
}

type DirectConfig struct {
	InstallPath string `yaml:"install_path"`
}

type PartitionConfig struct {
	Layout     PartitionLayout `yaml:"layout"`
	Filesystem FilesystemSpec  `yaml:"filesystem"`
}

// PartitionLayout describes how the eMMC is divided. Exactly three
// partitions are created, in fixed order: FAT boot, system, home. A zero
// HomeSizeGiB means the home partition consumes all remaining space.
type PartitionLayout struct {
	FATSizeMiB    int `yaml:"fat_size"`
	SystemSizeGiB int `yaml:"system_size"`
	HomeSizeGiB   int `yaml:"home_size"`
}

// FilesystemSpec carries per-partition formatting parameters. The ext4
// tuning applies identically to the system and home partitions.
type FilesystemSpec struct {
	FATType    string     `yaml:"fat_type"`
	SystemType string     `yaml:"system_type"`
	HomeType   string     `yaml:"home_type"`
	Ext4Params Ext4Params `yaml:"ext4_params"`
}

type Ext4Params struct {
	JournalSizeMiB int `yaml:"journal_size"`
	BlockSize      int `yaml:"block_size"`
	InodeSize      int `yaml:"inode_size"`
	InodeRatio     int `yaml:"inode_ratio"`
}

type BootloaderConfig struct {
	Repo       string           `yaml:"repo"`
	Branch     string           `yaml:"branch"`
	BootParams BootParamsConfig `yaml:"boot_params"`
}

type BootParamsConfig struct {
	Console          string `yaml:"console"`
	RootDevice       string `yaml:"root_device"`
	AdditionalParams string `yaml:"additional_params"`
}

type KernelConfig struct {
	Repo            string                `yaml:"repo"`
	Branch          string                `yaml:"branch"`
	Drivers         KernelDriversConfig   `yaml:"drivers"`
	HardwareSupport HardwareSupportConfig `yaml:"hardware_support"`
}

type KernelDriversConfig struct {
	EPDCAutoPartialRefresh bool `yaml:"epdc_auto_partial_refresh"`
	USBEnableACM           bool `yaml:"usb_enable_acm"`
	USBEnableCDCComposite  bool `yaml:"usb_enable_cdc_composite"`
}

type HardwareSupportConfig struct {
	WiFiSupport     bool `yaml:"wifi_support"`
	PowerManagement bool `yaml:"power_management"`
}

type SystemConfig struct {
	RootfsURL      string        `yaml:"rootfs_url"`
	RootfsChecksum string        `yaml:"rootfs_checksum"` // optional sha256
	Network        NetworkConfig `yaml:"network"`
}

type NetworkConfig struct {
	USBNetworking USBNetworkingConfig `yaml:"usb_networking"`
	DHCPServer    DHCPServerConfig    `yaml:"dhcp_server"`
}

type USBNetworkingConfig struct {
	Enable    bool   `yaml:"enable"`
	IPAddress string `yaml:"ip_address"`
	PrefixLen int    `yaml:"prefix_len"`
}

type DHCPServerConfig struct {
	Enable        bool   `yaml:"enable"`
	RangeStart    string `yaml:"range_start"`
	RangeEnd      string `yaml:"range_end"`
	LeaseTimeMins int    `yaml:"lease_time"`
}

type DesktopConfig struct {
	// Environment is "xfce" or "none".
	Environment string             `yaml:"environment"`
	UI          DesktopUIConfig    `yaml:"ui"`
	Input       DesktopInputConfig `yaml:"input"`
}

type DesktopUIConfig struct {
	Theme                   string `yaml:"theme"`
	IconTheme               string `yaml:"icon_theme"`
	DefaultFont             string `yaml:"default_font"`
	DisableAntialiasing     bool   `yaml:"disable_antialiasing"`
	DisableOverlayScrolling bool   `yaml:"disable_overlay_scrolling"`
	DisableButtonImages     bool   `yaml:"disable_button_images"`
	DisableMenuImages       bool   `yaml:"disable_menu_images"`
	DisableShadows          bool   `yaml:"disable_shadows"`
}

type DesktopInputConfig struct {
	VirtualKeyboard bool `yaml:"virtual_keyboard"`
}

type PathsConfig struct {
	BuildDir  string `yaml:"build_dir"`
	OutputDir string `yaml:"output_dir"`
}

// DefaultConfig returns the builder defaults for the reMarkable 1
// (zero-gravitas) target.
func DefaultConfig() *Config {
	return &Config{
		CrossCompilation: CrossCompilationConfig{
			EnvironmentType:  "container",
			ToolchainVersion: "latest",
			Container: ContainerConfig{
				BaseImage: "debian:bullseye",
				// Non-nil so the config survives a marshal/unmarshal
				// round trip unchanged.
				VolumeMounts: []string{},
			},
			Direct: DirectConfig{
				InstallPath: "~/.parabola-rm-builder/toolchain",
			},
			ParallelJobs: 4,
		},
		Partition: PartitionConfig{
			Layout: PartitionLayout{
				FATSizeMiB:    20,
				SystemSizeGiB: 2,
				HomeSizeGiB:   0,
			},
			Filesystem: FilesystemSpec{
				FATType:    "vfat",
				SystemType: "ext4",
				HomeType:   "ext4",
				Ext4Params: Ext4Params{
					JournalSizeMiB: 4,
					BlockSize:      1024,
					InodeSize:      128,
					InodeRatio:     4096,
				},
			},
		},
		Bootloader: BootloaderConfig{
			Repo:   "https://github.com/remarkable/uboot.git",
			Branch: "",
			BootParams: BootParamsConfig{
				Console:          "console",
				RootDevice:       "/dev/mmcblk1p2",
				AdditionalParams: "rootwait rootfstype=ext4 rw",
			},
		},
		Kernel: KernelConfig{
			Repo:   "https://github.com/remarkable/linux.git",
			Branch: "lars/zero-gravitas_4.9",
			Drivers: KernelDriversConfig{
				EPDCAutoPartialRefresh: true,
				USBEnableACM:           true,
				USBEnableCDCComposite:  true,
			},
			HardwareSupport: HardwareSupportConfig{
				WiFiSupport:     false,
				PowerManagement: true,
			},
		},
		System: SystemConfig{
			RootfsURL: "https://repo.parabola.nu/iso/armv7h/parabola-systemd-cli-armv7h-latest.tar.gz",
			Network: NetworkConfig{
				USBNetworking: USBNetworkingConfig{
					Enable:    true,
					IPAddress: "10.11.99.1",
					PrefixLen: 24,
				},
				DHCPServer: DHCPServerConfig{
					Enable:        true,
					RangeStart:    "10.11.99.2",
					RangeEnd:      "10.11.99.253",
					LeaseTimeMins: 10,
				},
			},
		},
		Desktop: DesktopConfig{
			Environment: "xfce",
			UI: DesktopUIConfig{
				Theme:                   "High Contrast",
				IconTheme:               "High Contrast",
				DefaultFont:             "System-ui Regular",
				DisableAntialiasing:     true,
				DisableOverlayScrolling: true,
				DisableButtonImages:     true,
				DisableMenuImages:       true,
				DisableShadows:          true,
			},
			Input: DesktopInputConfig{
				VirtualKeyboard: true,
			},
		},
		Paths: PathsConfig{
			BuildDir:  "build",
			OutputDir: "output",
		},
	}
}

// LoadConfig loads configuration from path, merged over the defaults.
// An empty path returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// MountDir returns the scratch directory mount points are created under.
func (c *Config) MountDir() string {
	return filepath.Join(c.Paths.OutputDir, "mnt")
}
