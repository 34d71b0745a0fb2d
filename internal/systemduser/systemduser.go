package systemduser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/adrg/xdg"
)

// UnitName is the name of the user unit running the daemon
const UnitName = "gitto.service"

// Systemd provides operations for interacting with systemd user units
type Systemd interface {
	// DaemonReload reloads systemd user configuration
	DaemonReload(ctx context.Context) error
	// EnableNow enables the unit and starts it immediately
	EnableNow(ctx context.Context, unit string) error
	// IsAvailable checks if systemctl --user is accessible
	IsAvailable(ctx context.Context) (bool, error)
}

// Client implements Systemd by shelling out to systemctl --user
type Client struct{}

// NewClient creates a new systemd client
func NewClient() *Client {
	return &Client{}
}

// DaemonReload reloads systemd user daemon configuration
func (c *Client) DaemonReload(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "systemctl", "--user", "daemon-reload")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl daemon-reload failed: %w: %s", err, string(output))
	}
	return nil
}

// EnableNow enables unit and starts it in one step
func (c *Client) EnableNow(ctx context.Context, unit string) error {
	cmd := exec.CommandContext(ctx, "systemctl", "--user", "enable", "--now", unit)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl enable --now %s failed: %w: %s", unit, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// IsAvailable checks if systemctl --user is accessible
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "--user", "status")
	err := cmd.Run()

	// systemctl status returns non-zero for degraded systems, but it's still available
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() <= 3 {
			return true, nil
		}
		return false, fmt.Errorf("systemctl --user not available: %w", err)
	}

	return true, nil
}

// UnitSpec describes the daemon invocation baked into the unit
type UnitSpec struct {
	Executable string
	// ConfigPath is passed as --config when set; otherwise the daemon
	// falls back to the optional default config file.
	ConfigPath string
	Dir        string
}

var unitTemplate = template.Must(template.New("unit").Funcs(template.FuncMap{"quote": quoteArg, "specifiers": escapeSpecifiers}).Parse(`[Unit]
Description=gitto auto-sync for {{ specifiers .Dir }}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{ quote .Executable }}{{ if .ConfigPath }} --config {{ quote .ConfigPath }}{{ end }} {{ quote .Dir }}
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target
`))

// escapeSpecifiers keeps systemd from expanding % specifiers in s
func escapeSpecifiers(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

// quoteArg escapes systemd specifiers and variable references and quotes a
// unit command line argument when it contains whitespace or quote characters.
func quoteArg(s string) string {
	s = strings.ReplaceAll(escapeSpecifiers(s), "$", "$$")
	if s != "" && !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// RenderUnit renders the systemd unit file for spec
func RenderUnit(spec UnitSpec) (string, error) {
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, spec); err != nil {
		return "", fmt.Errorf("failed to render unit: %w", err)
	}
	return buf.String(), nil
}

// UnitDir returns the directory systemd reads user units from
func UnitDir() string {
	return filepath.Join(xdg.ConfigHome, "systemd", "user")
}

// Installer writes the user unit and activates it
type Installer struct {
	systemd Systemd
	unitDir string
	logger  *slog.Logger
}

// NewInstaller creates an installer writing into unitDir
func NewInstaller(systemd Systemd, unitDir string, logger *slog.Logger) *Installer {
	return &Installer{systemd: systemd, unitDir: unitDir, logger: logger}
}

// Install writes the unit for spec, reloads systemd and enables the unit.
// It returns the path of the written unit file.
func (i *Installer) Install(ctx context.Context, spec UnitSpec) (string, error) {
	available, err := i.systemd.IsAvailable(ctx)
	if err != nil {
		return "", err
	}
	if !available {
		return "", fmt.Errorf("systemctl --user is not available")
	}

	unit, err := RenderUnit(spec)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(i.unitDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create unit directory: %w", err)
	}
	path := filepath.Join(i.unitDir, UnitName)
	if err := os.WriteFile(path, []byte(unit), 0644); err != nil {
		return "", fmt.Errorf("failed to write unit file: %w", err)
	}
	i.logger.Info("wrote unit file", "path", path)

	if err := i.systemd.DaemonReload(ctx); err != nil {
		return path, err
	}
	if err := i.systemd.EnableNow(ctx, UnitName); err != nil {
		return path, err
	}
	i.logger.Info("enabled unit", "unit", UnitName)
	return path, nil
}
