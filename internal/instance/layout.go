package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/smazurov/renderpool/internal/process"
)

// ErrInstallMissing is returned when an installation directory or its
// executable does not exist.
var ErrInstallMissing = errors.New("installation missing")

// Layout describes where each slot's installation lives and how the
// rendering application is invoked inside it.
type Layout struct {
	Primary       string // slot 0 installation directory
	Executable    string // relative to the installation directory
	ConfigFile    string // relative to the installation directory
	Profile       string
	SiblingBase   string // sibling name prefix, empty uses base(Primary)
	SiblingSuffix string // sibling directory is <parent>/<SiblingBase><suffix><slot>
}

// DefaultLayout returns the stock layout rooted at primary. Siblings keep
// the OpenSpace_s<slot> naming whatever the primary directory is called.
func DefaultLayout(primary string) Layout {
	return Layout{
		Primary:       primary,
		Executable:    DefaultExecutable(),
		ConfigFile:    filepath.Join("config", "remote_gstreamer_output.json"),
		Profile:       "default",
		SiblingBase:   "OpenSpace",
		SiblingSuffix: "_s",
	}
}

// DefaultExecutable returns the application path relative to an installation.
func DefaultExecutable() string {
	name := "OpenSpace"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join("bin", "RelWithDebInfo", name)
}

// InstallDir returns the installation directory for slot.
func (l Layout) InstallDir(slot int) string {
	primary := filepath.Clean(l.Primary)
	if slot == 0 {
		return primary
	}
	base := l.SiblingBase
	if base == "" {
		base = filepath.Base(primary)
	}
	return filepath.Join(filepath.Dir(primary), fmt.Sprintf("%s%s%d", base, l.SiblingSuffix, slot))
}

// ExecutablePath returns the application executable for slot.
func (l Layout) ExecutablePath(slot int) string {
	return filepath.Join(l.InstallDir(slot), l.Executable)
}

// ExecutableName returns the base name of the application executable.
func (l Layout) ExecutableName() string {
	return filepath.Base(l.Executable)
}

// Validate checks that the primary installation's executable exists.
func (l Layout) Validate() error {
	return checkFile(l.ExecutablePath(0))
}

// Command builds the launch spec for slot. The installation must already
// be provisioned.
func (l Layout) Command(slot int, shell bool) (process.Spec, error) {
	dir := l.InstallDir(slot)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return process.Spec{}, fmt.Errorf("%w: slot %d directory %s", ErrInstallMissing, slot, dir)
	}
	exe := l.ExecutablePath(slot)
	if err := checkFile(exe); err != nil {
		return process.Spec{}, err
	}

	return process.Spec{
		Name: fmt.Sprintf("instance-%d", slot),
		Path: exe,
		Args: []string{
			"--config", filepath.Join(dir, l.ConfigFile),
			"--profile", l.Profile,
			"--bypassLauncher",
		},
		Dir:   filepath.Dir(exe),
		Shell: shell,
		Title: fmt.Sprintf("Instance %d", slot),
	}, nil
}

func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInstallMissing, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInstallMissing, path)
	}
	return nil
}
