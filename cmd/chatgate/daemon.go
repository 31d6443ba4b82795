package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.chatgate.gateway"
	systemdUnit  = "chatgate.service"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the gateway as a user service (launchd/systemd)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Write a service file that runs 'chatgate serve' at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			path, content, err := serviceFile(runtime.GOOS, execPath, resolveConfigPath())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("Daemon installed: %s\n", path)
			printServiceHints(runtime.GOOS, path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := servicePath(runtime.GOOS)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", path)
			return nil
		},
	})
	return cmd
}

func servicePath(goos string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
}

// serviceFile renders the service definition for goos.
func serviceFile(goos, execPath, cfgPath string) (string, string, error) {
	path, err := servicePath(goos)
	if err != nil {
		return "", "", err
	}
	var tmpl string
	r := []string{"{{EXEC}}", execPath, "{{CONFIG}}", cfgPath}
	if goos == "darwin" {
		home, _ := os.UserHomeDir()
		logDir := filepath.Join(home, ".chatgate", "logs")
		os.MkdirAll(logDir, 0o755)
		tmpl = launchdTemplate
		r = append(r,
			"{{LABEL}}", launchdLabel,
			"{{LOG}}", filepath.Join(logDir, "chatgate.log"),
			"{{ERR_LOG}}", filepath.Join(logDir, "chatgate-error.log"))
	} else {
		tmpl = systemdTemplate
	}
	return path, strings.NewReplacer(r...).Replace(tmpl), nil
}

func printServiceHints(goos, path string) {
	if goos == "darwin" {
		fmt.Printf("To start: launchctl load %s\n", path)
		fmt.Printf("To stop:  launchctl unload %s\n", path)
		return
	}
	fmt.Printf("To start:  systemctl --user start chatgate\n")
	fmt.Printf("To enable: systemctl --user enable chatgate\n")
	fmt.Printf("To stop:   systemctl --user stop chatgate\n")
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=chatgate messaging gateway
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
