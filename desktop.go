package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DesktopConfigurator installs and configures the Xfce desktop inside the
// mounted system partition. With environment "none" every method is a no-op,
// leaving a console-only system.
type DesktopConfigurator struct {
	runner Runner
	cfg    DesktopConfig
}

func NewDesktopConfigurator(runner Runner, cfg *Config) *DesktopConfigurator {
	return &DesktopConfigurator{
		runner: runner,
		cfg:    cfg.Desktop,
	}
}

func (d *DesktopConfigurator) enabled() bool {
	return d.cfg.Environment != "" && d.cfg.Environment != "none"
}

// Install installs the X server, desktop packages and display configuration
// into the system mounted at rootMount.
func (d *DesktopConfigurator) Install(ctx context.Context, rootMount string) error {
	logger := GetLogger(ctx).WithField("component", "desktop")
	if !d.enabled() {
		logger.Info("desktop environment disabled, skipping")
		return nil
	}
	logger.WithField("environment", d.cfg.Environment).Info("installing desktop environment")

	if err := d.installPackages(ctx, rootMount); err != nil {
		return fmt.Errorf("failed to install desktop packages: %w", err)
	}
	if err := d.writeXorgConfig(rootMount); err != nil {
		return fmt.Errorf("failed to write X server configuration: %w", err)
	}
	if err := d.writeDisplayInit(rootMount); err != nil {
		return fmt.Errorf("failed to write display init: %w", err)
	}
	if err := d.writeSessionFiles(rootMount); err != nil {
		return fmt.Errorf("failed to write session files: %w", err)
	}
	if err := d.writeXfceSettings(rootMount); err != nil {
		return fmt.Errorf("failed to write desktop settings: %w", err)
	}
	if d.cfg.Input.VirtualKeyboard {
		if err := d.enableVirtualKeyboard(rootMount); err != nil {
			return fmt.Errorf("failed to enable virtual keyboard: %w", err)
		}
	}

	logger.Info("desktop environment installed")
	return nil
}

func (d *DesktopConfigurator) installPackages(ctx context.Context, rootMount string) error {
	packages := []string{
		"xorg-server", "xorg-xinit", "xf86-video-fbdev",
		"xfce4", "xfce4-genmon-plugin",
		"onboard",
		"ttf-dejavu",
	}

	GetLogger(ctx).WithField("packages", strings.Join(packages, " ")).Info("installing packages")

	argv := append([]string{"chroot", rootMount, "pacman", "-Sy", "--noconfirm"}, packages...)
	if _, err := d.runner.Run(ctx, argv, RunOpts{}); err != nil {
		return err
	}
	return nil
}

// writeXorgConfig points X at the EPDC framebuffer with rotation and
// shadow framebuffer disabled; the EPDC driver handles damage tracking.
func (d *DesktopConfigurator) writeXorgConfig(rootMount string) error {
	conf := strings.Join([]string{
		`Section "Device"`,
		`    Identifier "EPDC"`,
		`    Driver "fbdev"`,
		`    Option "fbdev" "/dev/fb0"`,
		`    Option "ShadowFB" "false"`,
		`EndSection`,
		``,
		`Section "Screen"`,
		`    Identifier "Default Screen"`,
		`    Device "EPDC"`,
		`    DefaultDepth 16`,
		`EndSection`,
		``,
	}, "\n")

	dir := filepath.Join(rootMount, "etc", "X11", "xorg.conf.d")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create xorg.conf.d: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "10-epdc.conf"), []byte(conf), 0644); err != nil {
		return fmt.Errorf("failed to write xorg config: %w", err)
	}
	return nil
}

// writeDisplayInit installs the helper that switches the EPDC into
// automatic partial-refresh mode before X starts.
func (d *DesktopConfigurator) writeDisplayInit(rootMount string) error {
	script := strings.Join([]string{
		"#!/usr/bin/env bash",
		"# Switch the EPDC to automatic partial updates before X takes over.",
		"echo 1 > /sys/class/graphics/fb0/epdc_update_mode",
		"",
	}, "\n")

	dir := filepath.Join(rootMount, "usr", "local", "bin")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create bin directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "epdc-init-auto"), []byte(script), 0755); err != nil {
		return fmt.Errorf("failed to write epdc-init-auto: %w", err)
	}
	return nil
}

// writeSessionFiles sets up root's X session: .xserverrc disables the
// default server options, .xinitrc primes the display and starts the
// session, and .bash_profile starts X on the framebuffer console login.
func (d *DesktopConfigurator) writeSessionFiles(rootMount string) error {
	home := filepath.Join(rootMount, "root")
	if err := os.MkdirAll(home, 0700); err != nil {
		return fmt.Errorf("failed to create root home: %w", err)
	}

	files := map[string]string{
		".xserverrc": strings.Join([]string{
			"#!/bin/sh",
			`exec /usr/bin/Xorg -nocursor "$@" vt$XDG_VTNR`,
			"",
		}, "\n"),
		".xinitrc": strings.Join([]string{
			"#!/bin/sh",
			"epdc-init-auto",
			"exec startxfce4",
			"",
		}, "\n"),
		".bash_profile": strings.Join([]string{
			`if [[ -z $DISPLAY && $(tty) == /dev/tty1 ]]; then`,
			"    exec startx",
			"fi",
			"",
		}, "\n"),
	}

	for name, content := range files {
		if err := os.WriteFile(filepath.Join(home, name), []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

// writeXfceSettings installs a first-login script applying the e-paper
// friendly settings: high-contrast theme, no antialiasing, no animations.
// xfconf-query has to run inside the session, so the script self-removes
// from autostart after the first run.
func (d *DesktopConfigurator) writeXfceSettings(rootMount string) error {
	ui := d.cfg.UI

	lines := []string{
		"#!/usr/bin/env bash",
		fmt.Sprintf("xfconf-query -c xsettings -p /Net/ThemeName -s %q --create -t string", ui.Theme),
		fmt.Sprintf("xfconf-query -c xsettings -p /Net/IconThemeName -s %q --create -t string", ui.IconTheme),
		fmt.Sprintf("xfconf-query -c xsettings -p /Gtk/FontName -s %q --create -t string", ui.DefaultFont),
	}
	if ui.DisableAntialiasing {
		lines = append(lines, "xfconf-query -c xsettings -p /Xft/Antialias -s 0 --create -t int")
	}
	if ui.DisableOverlayScrolling {
		lines = append(lines, "xfconf-query -c xsettings -p /Gtk/OverlayScrolling -s false --create -t bool")
	}
	if ui.DisableButtonImages {
		lines = append(lines, "xfconf-query -c xsettings -p /Gtk/ButtonImages -s 0 --create -t int")
	}
	if ui.DisableMenuImages {
		lines = append(lines, "xfconf-query -c xsettings -p /Gtk/MenuImages -s 0 --create -t int")
	}
	if ui.DisableShadows {
		lines = append(lines,
			"xfconf-query -c xfwm4 -p /general/show_frame_shadow -s false --create -t bool",
			"xfconf-query -c xfwm4 -p /general/show_popup_shadow -s false --create -t bool")
	}
	lines = append(lines,
		"rm -f ~/.config/autostart/configure-xfce.desktop",
		"")

	binDir := filepath.Join(rootMount, "usr", "local", "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return fmt.Errorf("failed to create bin directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(binDir, "configure-xfce.sh"), []byte(strings.Join(lines, "\n")), 0755); err != nil {
		return fmt.Errorf("failed to write configure-xfce.sh: %w", err)
	}

	return d.writeAutostart(rootMount, "configure-xfce", "/usr/local/bin/configure-xfce.sh")
}

func (d *DesktopConfigurator) enableVirtualKeyboard(rootMount string) error {
	return d.writeAutostart(rootMount, "onboard", "onboard")
}

func (d *DesktopConfigurator) writeAutostart(rootMount, name, command string) error {
	entry := strings.Join([]string{
		"[Desktop Entry]",
		"Type=Application",
		"Name=" + name,
		"Exec=" + command,
		"",
	}, "\n")

	dir := filepath.Join(rootMount, "root", ".config", "autostart")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create autostart directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".desktop"), []byte(entry), 0644); err != nil {
		return fmt.Errorf("failed to write autostart entry %s: %w", name, err)
	}
	return nil
}

// ConfigureBatteryMonitor adds a genmon panel item showing battery charge
// read from sysfs. Best effort; the desktop works without it.
func (d *DesktopConfigurator) ConfigureBatteryMonitor(ctx context.Context, rootMount string) error {
	logger := GetLogger(ctx).WithField("component", "desktop")
	if !d.enabled() {
		logger.Debug("desktop environment disabled, skipping battery monitor")
		return nil
	}
	logger.Info("configuring battery monitor")

	script := strings.Join([]string{
		"#!/usr/bin/env bash",
		"capacity=$(cat /sys/class/power_supply/bq27441-0/capacity)",
		"status=$(cat /sys/class/power_supply/bq27441-0/status)",
		`echo "${capacity}% ${status}"`,
		"",
	}, "\n")

	binDir := filepath.Join(rootMount, "usr", "local", "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return fmt.Errorf("failed to create bin directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(binDir, "battery-monitor.sh"), []byte(script), 0755); err != nil {
		return fmt.Errorf("failed to write battery-monitor.sh: %w", err)
	}

	rc := strings.Join([]string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		``,
		`<channel name="genmon" version="1.0">`,
		`  <property name="Command" type="string" value="/usr/local/bin/battery-monitor.sh"/>`,
		`  <property name="UseLabel" type="bool" value="false"/>`,
		`  <property name="UpdatePeriod" type="int" value="60000"/>`,
		`</channel>`,
		``,
	}, "\n")

	rcDir := filepath.Join(rootMount, "root", ".config", "xfce4", "panel")
	if err := os.MkdirAll(rcDir, 0755); err != nil {
		return fmt.Errorf("failed to create panel config directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(rcDir, "genmon-10.rc"), []byte(rc), 0644); err != nil {
		return fmt.Errorf("failed to write genmon config: %w", err)
	}
	return nil
}
