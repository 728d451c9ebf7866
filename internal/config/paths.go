package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths locates the per-user loom directories. XDG environment overrides
// win; otherwise the conventional locations under HOME are used, or APPDATA
// on Windows.
type Paths struct {
	Data   string
	Config string
	Cache  string
	State  string
}

// GetPaths resolves the loom directory set for the current user.
func GetPaths() *Paths {
	return &Paths{
		Data:   xdgDir("XDG_DATA_HOME", ".local", "share"),
		Config: xdgDir("XDG_CONFIG_HOME", ".config"),
		Cache:  xdgDir("XDG_CACHE_HOME", ".cache"),
		State:  xdgDir("XDG_STATE_HOME", ".local", "state"),
	}
}

// EnsurePaths creates any missing directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// WorkPath returns the default execution working directory, holding one
// subdirectory per kernel session.
func (p *Paths) WorkPath() string {
	return filepath.Join(p.Data, "work")
}

// xdgDir resolves one XDG base directory and appends the loom subdirectory.
func xdgDir(envKey string, homeRel ...string) string {
	if v := os.Getenv(envKey); v != "" {
		return filepath.Join(v, "loom")
	}
	if runtime.GOOS == "windows" {
		base := os.Getenv("APPDATA")
		if envKey == "XDG_CACHE_HOME" {
			base = filepath.Join(base, "cache")
		}
		return filepath.Join(base, "loom")
	}
	parts := append([]string{os.Getenv("HOME")}, homeRel...)
	return filepath.Join(append(parts, "loom")...)
}

// GlobalConfigPath returns the user-wide config file location.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "loom.json")
}

// ProjectConfigPath returns the config file location inside a project.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".loom", "loom.json")
}
