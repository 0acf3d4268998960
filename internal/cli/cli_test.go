package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_MissingConfigPathPrintsUsageAndExitsCleanly(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	var out bytes.Buffer

	// --- Act ---
	cfg, exit, err := Parse(nil, &out)

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Nil(t, cfg)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParse_HelpFlagExitsCleanlyWithoutPrintingUsageTwice(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	cfg, exit, err := Parse([]string{"-help"}, &out)

	require.NoError(t, err)
	assert.True(t, exit)
	assert.Nil(t, cfg)
	assert.Equal(t, 1, strings.Count(out.String(), "Usage:"))
}

func TestParse_MissingTargetIsAnExitError(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	dir := t.TempDir()

	_, exit, err := Parse([]string{"-config", dir}, &out)

	assert.False(t, exit)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}

func TestParse_InvalidLogFormatIsAnExitError(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	dir := t.TempDir()

	_, _, err := Parse([]string{"-config", dir, "-target", "a", "-log-format", "xml"}, &out)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, exitErr.Message, "log-format")
}

func TestParse_InvalidLogLevelIsAnExitError(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	dir := t.TempDir()

	_, _, err := Parse([]string{"-config", dir, "-target", "a", "-log-level", "verbose"}, &out)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, exitErr.Message, "log-level")
}

func TestParse_PositionalArgumentIsTheConfigPath(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	dir := t.TempDir()

	cfg, exit, err := Parse([]string{"-target", "a", dir}, &out)

	require.NoError(t, err)
	assert.False(t, exit)
	require.NotNil(t, cfg)
	assert.Equal(t, dir, cfg.ConfigPath)
	assert.Equal(t, "a", cfg.Target)
}

func TestParse_ShorthandFlagsAreEquivalentToTheLongForm(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	dir := t.TempDir()

	cfg, _, err := Parse([]string{"-c", dir, "-t", "b"}, &out)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, dir, cfg.ConfigPath)
	assert.Equal(t, "b", cfg.Target)
}

func TestParse_DefaultsAndWorkerCountFlowThroughToConfig(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	dir := t.TempDir()

	cfg, _, err := Parse([]string{"-config", dir, "-target", "a", "-workers", "4"}, &out)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.WorkerCount)
}

func TestParse_UnknownFlagIsAnExitErrorWithCode2(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	_, exit, err := Parse([]string{"-does-not-exist"}, &out)

	assert.False(t, exit)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}

func TestParse_ConfigFlagTakesPrecedenceOverPositionalArgument(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	flagPath := t.TempDir()
	positional := filepath.Join(t.TempDir(), "ignored")

	cfg, _, err := Parse([]string{"-config", flagPath, "-target", "a", positional}, &out)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, flagPath, cfg.ConfigPath)
}
