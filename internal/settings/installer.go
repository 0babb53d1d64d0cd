package settings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/CristiGvl/picoCPUCtl/internal/platform"
	"github.com/CristiGvl/picoCPUCtl/internal/privileged"
	"github.com/sirupsen/logrus"
)

// Installed artifact locations
const (
	ScriptPath = "/usr/local/bin/apply_picocpuctl_settings.sh"
	UnitPath   = "/etc/systemd/system/picocpuctl.service"
	UnitName   = "picocpuctl.service"
)

// systemStateTimeout bounds "systemctl is-system-running"
const systemStateTimeout = 5 * time.Second

// ErrInitUnsupported is returned when systemd is not the running init system
var ErrInitUnsupported = errors.New("apply on boot requires systemd as the init system")

// Runner runs an elevated shell command
type Runner interface {
	Run(ctx context.Context, command string) <-chan privileged.Result
}

// Unit renders the oneshot service that runs scriptPath at boot
func Unit(scriptPath string) string {
	return fmt.Sprintf(`[Unit]
Description=Apply picoCPUCtl settings

[Service]
Type=oneshot
ExecStart=%s
TimeoutSec=0
RemainAfterExit=yes

[Install]
WantedBy=multi-user.target
`, scriptPath)
}

// Installer installs and removes the boot script and its unit
type Installer struct {
	Host       platform.Host
	ScriptPath string
	UnitPath   string
	UnitName   string
	TempDir    string
	Runner     Runner
	Logger     logrus.FieldLogger

	// LookPath and SystemState are replaced in tests
	LookPath    func(string) (string, error)
	SystemState func(ctx context.Context) (int, string, error)
}

// NewInstaller creates an installer for the running system
func NewInstaller(runner Runner, logger logrus.FieldLogger) *Installer {
	return &Installer{
		Host:        platform.DefaultHost(),
		ScriptPath:  ScriptPath,
		UnitPath:    UnitPath,
		UnitName:    UnitName,
		TempDir:     os.TempDir(),
		Runner:      runner,
		Logger:      logger,
		LookPath:    exec.LookPath,
		SystemState: systemState,
	}
}

func systemState(ctx context.Context) (int, string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "systemctl", "is-system-running")
	cmd.Stdout = &out
	err := cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), strings.TrimSpace(out.String()), nil
	}
	if err != nil {
		return -1, "", err
	}
	return 0, strings.TrimSpace(out.String()), nil
}

// Check returns nil when systemd can run the boot unit, otherwise an error
// wrapping ErrInitUnsupported with the reason
func (i *Installer) Check(ctx context.Context) error {
	if i.Host.IsWSL() {
		i.Logger.Info("WSL environment detected - Apply On Boot not supported")
		return fmt.Errorf("%w: running under WSL", ErrInitUnsupported)
	}

	if _, err := i.LookPath("systemctl"); err != nil {
		i.Logger.Info("systemctl command not found - systemd not installed")
		return fmt.Errorf("%w: systemctl not found", ErrInitUnsupported)
	}

	comm, err := os.ReadFile(filepath.Join(i.Host.Root, "proc", "1", "comm"))
	if err != nil {
		i.Logger.Warnf("Could not determine init system: %v", err)
	} else if name := strings.TrimSpace(string(comm)); name != "systemd" {
		i.Logger.Infof("System is using %s as init, not systemd", name)
		return fmt.Errorf("%w: init is %s", ErrInitUnsupported, name)
	}

	ctx, cancel := context.WithTimeout(ctx, systemStateTimeout)
	defer cancel()

	code, state, err := i.SystemState(ctx)
	if ctx.Err() != nil {
		i.Logger.Warn("Timeout while checking systemd status")
		return fmt.Errorf("%w: timed out checking systemd", ErrInitUnsupported)
	}
	if err != nil {
		i.Logger.Errorf("Error checking systemd availability: %v", err)
		return fmt.Errorf("%w: %v", ErrInitUnsupported, err)
	}
	// 0 running, 1 degraded or starting; both can run units
	if code != 0 && code != 1 {
		i.Logger.Infof("Systemd not functional: %s", state)
		return fmt.Errorf("%w: systemd is %s", ErrInitUnsupported, state)
	}

	i.Logger.Info("Systemd is available and functional")
	return nil
}

// Installed reports whether the script or the unit is already in place
func (i *Installer) Installed() bool {
	for _, path := range []string{i.ScriptPath, i.UnitPath} {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// Install copies script and the unit into place, owned by root, and enables
// the service.
// The systemd check runs first; the result channel carries the outcome of
// the elevated command.
func (i *Installer) Install(ctx context.Context, script string) (<-chan privileged.Result, error) {
	if err := i.Check(ctx); err != nil {
		i.Logger.Error("Cannot create systemd service: systemd not compatible")
		return nil, err
	}

	tmpUnit, err := i.writeTemp("picocpuctl-*.service", Unit(i.ScriptPath))
	if err != nil {
		return nil, err
	}
	tmpScript, err := i.writeTemp("apply_picocpuctl_settings-*.sh", script)
	if err != nil {
		os.Remove(tmpUnit)
		return nil, err
	}

	cmd := strings.Join([]string{
		fmt.Sprintf("install -o root -g root -m 0644 %s %s", tmpUnit, i.UnitPath),
		fmt.Sprintf("install -o root -g root -m 0755 %s %s", tmpScript, i.ScriptPath),
		"systemctl daemon-reload",
		"systemctl enable " + i.UnitName,
		"systemctl start " + i.UnitName,
	}, " && ")

	return i.run(ctx, cmd, "create", tmpUnit, tmpScript), nil
}

// Remove stops and disables the service and deletes both files
func (i *Installer) Remove(ctx context.Context) (<-chan privileged.Result, error) {
	if err := i.Check(ctx); err != nil {
		i.Logger.Error("Cannot remove systemd service: systemd not compatible")
		return nil, err
	}

	cmd := strings.Join([]string{
		"systemctl stop " + i.UnitName,
		"systemctl disable " + i.UnitName,
		"rm " + i.ScriptPath,
		"rm " + i.UnitPath,
		"systemctl daemon-reload",
	}, " && ")

	return i.run(ctx, cmd, "remove"), nil
}

// run forwards the executor's result after logging it and deleting any
// temp file the command did not consume
func (i *Installer) run(ctx context.Context, cmd, action string, leftovers ...string) <-chan privileged.Result {
	results := make(chan privileged.Result, 1)
	pending := i.Runner.Run(ctx, cmd)

	go func() {
		defer close(results)
		r := <-pending
		for _, path := range leftovers {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				i.Logger.Warnf("failed to remove %s: %v", path, err)
			}
		}

		switch {
		case r.OK():
			i.Logger.Infof("Systemd service %s succeeded.", action)
		case r.Canceled():
			i.Logger.Infof("User canceled to %s systemd service.", action)
		default:
			i.Logger.Errorf("Failed to %s systemd service: %s", action, r)
		}
		results <- r
	}()

	return results
}

func (i *Installer) writeTemp(pattern, content string) (string, error) {
	f, err := os.CreateTemp(i.TempDir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write %s: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write %s: %w", f.Name(), err)
	}
	return f.Name(), nil
}
