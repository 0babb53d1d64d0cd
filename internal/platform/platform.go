package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// SupportedOS represents supported operating systems
type SupportedOS string

const (
	Linux SupportedOS = "linux"
)

// GetOS returns the current operating system
func GetOS() SupportedOS {
	return SupportedOS(runtime.GOOS)
}

// IsSupported returns true if the current OS is supported
func IsSupported() bool {
	return GetOS() == Linux
}

// ValidateSupport returns an error if the current OS is not supported
func ValidateSupport() error {
	if !IsSupported() {
		return fmt.Errorf("unsupported operating system: %s. Supported: linux", runtime.GOOS)
	}
	return nil
}

// Machine returns the kernel's machine string (x86_64, aarch64, ...)
func Machine() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return runtime.GOARCH
	}
	return unix.ByteSliceToString(uts.Machine[:])
}

// IsARM reports whether machine names an ARM architecture
func IsARM(machine string) bool {
	return strings.HasPrefix(machine, "arm") || strings.HasPrefix(machine, "aarch")
}

// DescribeMachine turns a machine string into a human readable CPU family
func DescribeMachine(machine string) string {
	switch {
	case IsARM(machine):
		return fmt.Sprintf("ARM Processor (%s)", machine)
	case machine == "x86_64" || machine == "amd64" || machine == "AMD64":
		return "x86_64 Processor"
	case strings.HasPrefix(machine, "i"):
		return "x86 Processor"
	default:
		return fmt.Sprintf("Unknown Processor (%s)", machine)
	}
}

// Host describes where WSL markers are looked up
type Host struct {
	// Root is the filesystem root, "/" on a real system
	Root   string
	Getenv func(string) string
}

// DefaultHost inspects the running system
func DefaultHost() Host {
	return Host{Root: "/", Getenv: os.Getenv}
}

// IsWSL reports whether the host is Windows Subsystem for Linux
func (h Host) IsWSL() bool {
	if data, err := os.ReadFile(filepath.Join(h.Root, "proc", "version")); err == nil {
		version := strings.ToLower(string(data))
		if strings.Contains(version, "microsoft") || strings.Contains(version, "wsl") {
			return true
		}
	}

	if h.Getenv != nil {
		for _, key := range []string{"WSL_DISTRO_NAME", "WSLENV", "WSL_INTEROP"} {
			if h.Getenv(key) != "" {
				return true
			}
		}
	}

	for _, marker := range []string{
		"mnt/c/Windows",
		"proc/sys/fs/binfmt_misc/WSLInterop",
		"run/WSL",
	} {
		if _, err := os.Stat(filepath.Join(h.Root, marker)); err == nil {
			return true
		}
	}
	return false
}
