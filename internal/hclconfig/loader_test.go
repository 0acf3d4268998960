package hclconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/taskmesh/internal/model"
)

func writeHCL(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_SingleFileWithPlaceholderFunctions(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := t.TempDir()
	path := writeHCL(t, dir, "main.hcl", `
task "a" {
  command = "produce"
}

task "b" {
  command            = result_of("a", "Then")
  args               = [reference_to_result_of("a"), variable("greeting")]
  preserve_result_copy = true
}

task "c" {
  command = await("a", "Then")
}

task "d" {
  command = "notify"
  args    = [async()]
}
`)

	// --- Act ---
	cfg, err := Load(path)

	// --- Assert ---
	require.NoError(t, err)
	require.Contains(t, cfg, "a")
	require.Contains(t, cfg, "b")
	require.Contains(t, cfg, "c")
	require.Contains(t, cfg, "d")

	assert.Equal(t, "produce", cfg["a"].Command)

	dr, ok := cfg["b"].Command.(model.DeferredResult)
	require.True(t, ok)
	assert.Equal(t, model.DeferredResult{Dep: "a", Then: "Then", PassRef: false}, dr)
	require.Len(t, cfg["b"].Args, 2)
	assert.Equal(t, model.DeferredResult{Dep: "a", PassRef: true}, cfg["b"].Args[0])
	assert.Equal(t, model.LateStaticBinding{Name: "greeting"}, cfg["b"].Args[1])
	assert.True(t, cfg["b"].PreserveResultCopy)

	await, ok := cfg["c"].Command.(model.Await)
	require.True(t, ok)
	assert.Equal(t, model.Await{Dep: "a", Then: "Then"}, await)

	require.Len(t, cfg["d"].Args, 1)
	assert.Equal(t, model.AsyncResult{}, cfg["d"].Args[0])
}

func TestLoad_DuplicateTaskNameAcrossFilesErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeHCL(t, dir, "a.hcl", `task "x" { command = "one" }`)
	writeHCL(t, dir, "b.hcl", `task "x" { command = "two" }`)

	_, err := Load(dir)

	assert.Error(t, err)
}

func TestLoad_DirectoryMergesFilesInSortedOrderDeterministically(t *testing.T) {
	t.Parallel()

	// --- Arrange: file names are picked so lexical sort differs from
	// creation order, to prove Load doesn't depend on directory iteration
	// order for determinism. ---
	dir := t.TempDir()
	writeHCL(t, dir, "z_second.hcl", `task "second" { command = "two" }`)
	writeHCL(t, dir, "a_first.hcl", `task "first" { command = "one" }`)

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Len(t, cfg, 2)
	assert.Equal(t, "one", cfg["first"].Command)
	assert.Equal(t, "two", cfg["second"].Command)
}

func TestLoad_DirectoryWithNoHCLFilesErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600))

	_, err := Load(dir)

	assert.Error(t, err)
}

func TestLoad_MissingPathErrors(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))

	assert.Error(t, err)
}

func TestLoad_InvalidHCLSyntaxErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeHCL(t, dir, "bad.hcl", `task "x" { command = `)

	_, err := Load(path)

	assert.Error(t, err)
}

func TestLoad_UnsupportedArgTypeErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeHCL(t, dir, "bad.hcl", `
task "x" {
  command = "noop"
  args    = [{ nested = "map" }]
}
`)

	_, err := Load(path)

	assert.Error(t, err)
}

func TestLoad_NumericAndBooleanArgsConvertToNativeGoTypes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeHCL(t, dir, "main.hcl", `
task "x" {
  command = "noop"
  args    = [42, true]
}
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	require.Len(t, cfg["x"].Args, 2)
	assert.Equal(t, float64(42), cfg["x"].Args[0])
	assert.Equal(t, true, cfg["x"].Args[1])
}
