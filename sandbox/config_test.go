package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadLaunchSpec(t *testing.T) {
	path := writeConfig(t, `
path = " ./sampleworker "
args = ["secondary", "--verbose"]
env  = ["PIPERPC_LOG_LEVEL=debug"]
dir  = "/tmp"
mode = "in-process"
`)
	spec, err := LoadLaunchSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "./sampleworker", spec.Path)
	assert.Equal(t, []string{"secondary", "--verbose"}, spec.Args)
	assert.Equal(t, []string{"PIPERPC_LOG_LEVEL=debug"}, spec.Env)
	assert.Equal(t, "/tmp", spec.Dir)
	assert.Equal(t, ModeInProcess, spec.Mode)
	assert.Nil(t, spec.Entry)
}

func TestLoadLaunchSpecDefaults(t *testing.T) {
	spec, err := LoadLaunchSpec(writeConfig(t, `path = "worker"`))
	require.NoError(t, err)
	assert.Equal(t, "worker", spec.Path)
	assert.Equal(t, ModeProcess, spec.Mode)
	assert.Empty(t, spec.Args)
	assert.Empty(t, spec.Env)
	assert.Empty(t, spec.Dir)
}

func TestLoadLaunchSpecErrors(t *testing.T) {
	cases := map[string]string{
		"missing path": `args = ["x"]`,
		"blank path":   `path = "  "`,
		"unknown key":  "path = \"w\"\ntimeout = 5",
		"bad env":      "path = \"w\"\nenv = [\"NOEQUALS\"]",
		"bad mode":     "path = \"w\"\nmode = \"thread\"",
		"bad syntax":   `path = `,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadLaunchSpec(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadLaunchSpec(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
