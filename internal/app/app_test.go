package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqwell/pipegrid/internal/ledger"
	"github.com/seqwell/pipegrid/internal/testutil"
)

func TestNewConfig_RequiresConfigPath(t *testing.T) {
	_, err := NewConfig(Config{})
	require.Error(t, err)

	cfg, err := NewConfig(Config{ConfigPath: "run.hcl"})
	require.NoError(t, err)
	assert.Equal(t, "run.hcl", cfg.ConfigPath)
}

func TestOpenLedger_FreshRun(t *testing.T) {
	dir := t.TempDir()
	a := NewApp(&testutil.SafeBuffer{}, &Config{ConfigPath: "run.hcl"})

	led, err := a.openLedger(filepath.Join(dir, "ledger.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, led.Len())
}

func TestOpenLedger_ResumeFromRunDirectory(t *testing.T) {
	dir := t.TempDir()
	out := testutil.WriteFile(t, dir, "filtered.vcf.gz", "vcf bytes")

	priorDir := filepath.Join(dir, "prior-run")
	prior, err := ledger.Open(filepath.Join(priorDir, ledgerFileName))
	require.NoError(t, err)
	_, claimed := prior.Claim("cafe")
	require.True(t, claimed)
	require.NoError(t, prior.Record("cafe", "stage.classic.filter", map[string][]string{"vcf": {out}}))

	// The resume flag accepts the run directory itself.
	a := NewApp(&testutil.SafeBuffer{}, &Config{ConfigPath: "run.hcl", ResumePath: priorDir})
	led, err := a.openLedger(filepath.Join(dir, "next", "ledger.json"))
	require.NoError(t, err)
	assert.Equal(t, 1, led.Len())

	// And the ledger file directly.
	a = NewApp(&testutil.SafeBuffer{}, &Config{ConfigPath: "run.hcl", ResumePath: prior.Path()})
	led, err = a.openLedger(filepath.Join(dir, "next2", "ledger.json"))
	require.NoError(t, err)
	assert.Equal(t, 1, led.Len())
}

func TestRun_MissingConfigFile(t *testing.T) {
	buf := &testutil.SafeBuffer{}
	a := NewApp(buf, &Config{
		ConfigPath: filepath.Join(t.TempDir(), "absent.hcl"),
		LogFormat:  "text",
		LogLevel:   "error",
	})

	err := a.Run(context.Background())
	require.Error(t, err)
}

func TestRun_InvalidRunConfiguration(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "run.hcl", "params {\n  reference = \"/refs/GRCh38.fa\"\n}\n")

	buf := &testutil.SafeBuffer{}
	a := NewApp(buf, &Config{
		ConfigPath: path,
		WorkDir:    filepath.Join(dir, "work"),
		LogFormat:  "text",
		LogLevel:   "error",
	})

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required parameters")
}
