package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/go-lazybind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCall(t *testing.T) {
	for _, tc := range [...]struct {
		in   string
		want call
		err  string
	}{
		{in: `ping`, want: call{fn: `ping`}},
		{in: `add:1,2`, want: call{fn: `add`, params: []uint64{1, 2}}},
		{in: `add: 0x10 , -1`, want: call{fn: `add`, params: []uint64{16, 1<<64 - 1}}},
		{in: `:1`, err: `missing function name`},
		{in: `add:1,x`, err: `argument "x"`},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseCall(tc.in)
			if tc.err != `` {
				assert.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), `config.yaml`)
	require.NoError(t, os.WriteFile(path, []byte("apiKey: from-file\nversion: \"1\"\nlibraries: [geo]\n"), 0o644))

	cfg, err := loadConfig(options{configFile: path, library: `emitter`})
	require.NoError(t, err)
	assert.Equal(t, lazybind.Config{APIKey: `from-file`, Version: `1`, Libraries: []string{`geo`, `emitter`}}, cfg)

	cfg, err = loadConfig(options{configFile: path, library: `geo`, apiKey: `flag`, version: `2`})
	require.NoError(t, err)
	assert.Equal(t, lazybind.Config{APIKey: `flag`, Version: `2`, Libraries: []string{`geo`}}, cfg)

	_, err = loadConfig(options{configFile: filepath.Join(t.TempDir(), `missing.yaml`)})
	assert.Error(t, err)
}

func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestRootCommand_calls(t *testing.T) {
	stdout, stderr, err := executeCommand(t,
		`--dir`, `testdata`,
		`--version`, `1`,
		`--api-key`, `test`,
		`--library`, `emitter`,
		`--listen`, `click`,
		`--call`, `add:2,3`,
		`--call`, `ping`,
	)
	require.NoError(t, err, stderr)
	assert.Equal(t, "add: [5]\nevent click: value=42\nping: []\n", stdout)
	assert.Contains(t, stderr, `platform ready`)
}

func TestRootCommand_bindOnly(t *testing.T) {
	stdout, stderr, err := executeCommand(t,
		`--dir`, `testdata`,
		`--version`, `1`,
		`--api-key`, `test`,
		`--library`, `emitter`,
		`--name`, `e1`,
	)
	require.NoError(t, err, stderr)
	assert.Equal(t, "bound e1 (emitter)\n", stdout)
}

func TestRootCommand_missingAPIKey(t *testing.T) {
	t.Setenv(apiKeyEnv, ``)
	_, _, err := executeCommand(t,
		`--dir`, `testdata`,
		`--version`, `1`,
		`--library`, `emitter`,
	)
	assert.ErrorIs(t, err, lazybind.ErrMissingCredential)
}

func TestRootCommand_missingLibrary(t *testing.T) {
	_, _, err := executeCommand(t,
		`--dir`, `testdata`,
		`--version`, `1`,
		`--api-key`, `test`,
		`--library`, `nope`,
	)
	assert.ErrorIs(t, err, lazybind.ErrBootstrap)
	assert.ErrorContains(t, err, `library not found`)
}

func TestRootCommand_requiresLibrary(t *testing.T) {
	_, _, err := executeCommand(t, `--api-key`, `test`)
	assert.ErrorContains(t, err, `library`)
}
