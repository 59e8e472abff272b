package sandbox

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// LaunchSpec says how to start a worker
type LaunchSpec struct {
	// Path is the executable for ModeProcess, or the registered entry name
	// for ModeInProcess
	Path string
	// Args follow the channel handle on the worker's command line
	Args []string
	// Env entries are appended to the parent environment (ModeProcess only)
	Env []string
	// Dir is the working directory (ModeProcess only)
	Dir string
	// Mode is where the worker should run. Callers use it to pick the
	// controller mode; starting a worker does not consult it.
	Mode Mode
	// Entry, when set, is run directly in ModeInProcess instead of looking
	// up Path
	Entry Entry
}

type fileConfig struct {
	Path string   `toml:"path"`
	Args []string `toml:"args"`
	Env  []string `toml:"env"`
	Dir  string   `toml:"dir"`
	Mode string   `toml:"mode"`
}

// LoadLaunchSpec reads a launch specification from a TOML file:
//
//	path = "./sampleworker"
//	args = ["--verbose"]
//	env  = ["LOG_LEVEL=debug"]
//	dir  = "/tmp"
//	mode = "process"    # or "in-process"; defaults to "process"
func LoadLaunchSpec(path string) (*LaunchSpec, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load launch spec: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load launch spec: unknown key %q", undecoded[0].String())
	}

	spec := &LaunchSpec{Mode: ModeProcess}

	if !meta.IsDefined("path") || strings.TrimSpace(raw.Path) == "" {
		return nil, fmt.Errorf("load launch spec: path is required")
	}
	spec.Path = strings.TrimSpace(raw.Path)

	if meta.IsDefined("args") {
		spec.Args = raw.Args
	}

	if meta.IsDefined("env") {
		for _, kv := range raw.Env {
			if !strings.Contains(kv, "=") {
				return nil, fmt.Errorf("load launch spec: env entry %q is not KEY=VALUE", kv)
			}
			spec.Env = append(spec.Env, kv)
		}
	}

	if meta.IsDefined("dir") {
		spec.Dir = strings.TrimSpace(raw.Dir)
	}

	if meta.IsDefined("mode") {
		mode, err := ParseMode(raw.Mode)
		if err != nil {
			return nil, fmt.Errorf("load launch spec: %w", err)
		}
		spec.Mode = mode
	}

	return spec, nil
}
