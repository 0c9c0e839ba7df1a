package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "epu")
	require.NoError(t, os.Mkdir(root, 0o755))
	writeConfig(t, dir, "acquisition_root = \""+root+"\"\n")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "gridtrace.db"), cfg.DatabasePath)
	assert.Equal(t, 10*time.Minute, cfg.Report.ChildGrace)
	assert.Equal(t, 30*time.Minute, cfg.Report.ResultGrace)
	assert.Equal(t, []string{"motioncorrection", "ctf"}, cfg.Report.RequiredKinds)
	assert.Equal(t, "csv", cfg.Export.Format)
	assert.Equal(t, 4096, cfg.QueueBound)
}

func TestLoad_Overrides(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "epu")
	require.NoError(t, os.Mkdir(root, 0o755))
	writeConfig(t, dir, `
acquisition_root = "`+root+`"
processing_dirs  = ["Processing"]
queue_bound      = 16

report {
  child_grace    = "1h"
  required_kinds = ["ctf"]
}
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.Report.ChildGrace)
	assert.Equal(t, []string{"ctf"}, cfg.Report.RequiredKinds)
	assert.Equal(t, 16, cfg.QueueBound)
	assert.Equal(t, filepath.Join(root, "Processing"), cfg.ProcessingDirs[0])
}

func TestLoad_BadRootIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `acquisition_root = "/does/not/exist"`)

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_BadDurationIsFatal(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "epu")
	require.NoError(t, os.Mkdir(root, 0o755))
	writeConfig(t, dir, `
acquisition_root = "`+root+`"
report {
  child_grace = "soon"
}
`)

	_, err := Load(dir)
	require.Error(t, err)
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "epu")
	require.NoError(t, os.Mkdir(root, 0o755))

	_, err := WriteDefault(dir, root)
	require.NoError(t, err)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, root, cfg.AcquisitionRoot)

	_, err = WriteDefault(dir, root)
	require.Error(t, err, "must refuse to overwrite")
}
