package runconfig

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqwell/pipegrid/internal/testutil"
)

const runHCL = `
work_dir      = "/data/work"
output_prefix = "/data/results"

params {
  reference   = "/refs/GRCh38.fa"
  chunk_size  = 50000000
  known_sites = "/refs/dbsnp.vcf.gz"
  samples     = ["NA12878", "NA12891"]
}

limits {
  standard = 8
  gpu      = 1
}
`

func loadFixture(t *testing.T, content string) *Config {
	t.Helper()
	path := testutil.WriteFile(t, t.TempDir(), "run.hcl", content)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	return cfg
}

func TestLoad_FullSurface(t *testing.T) {
	cfg := loadFixture(t, runHCL)

	assert.Equal(t, "/data/work", cfg.WorkDir)
	assert.Equal(t, "/data/results", cfg.OutputPrefix)
	assert.Equal(t, map[string]int{"standard": 8, "gpu": 1}, cfg.Limits)

	ref, err := cfg.String("reference")
	require.NoError(t, err)
	assert.Equal(t, "/refs/GRCh38.fa", ref)

	chunk, err := cfg.Int("chunk_size")
	require.NoError(t, err)
	assert.Equal(t, int64(50000000), chunk)

	samples, err := cfg.StringList("samples")
	require.NoError(t, err)
	assert.Equal(t, []string{"NA12878", "NA12891"}, samples)
}

func TestLoad_MinimalFile(t *testing.T) {
	cfg := loadFixture(t, `params {}`)
	assert.Empty(t, cfg.WorkDir)
	assert.Empty(t, cfg.Limits)
	assert.False(t, cfg.Has("reference"))
}

func TestLoad_RejectsNonPositiveLimit(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "run.hcl", "limits {\n  gpu = 0\n}\n")
	_, err := Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
}

func TestLoad_MalformedHCL(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "run.hcl", "params {")
	_, err := Load(context.Background(), path)
	require.Error(t, err)
}

func TestString_CoercesNumber(t *testing.T) {
	cfg := loadFixture(t, "params {\n  chunk_size = 100\n}\n")
	val, err := cfg.String("chunk_size")
	require.NoError(t, err)
	assert.Equal(t, "100", val)
}

func TestStringList_ScalarBecomesSingleton(t *testing.T) {
	cfg := loadFixture(t, "params {\n  sample = \"NA12878\"\n}\n")
	vals, err := cfg.StringList("sample")
	require.NoError(t, err)
	assert.Equal(t, []string{"NA12878"}, vals)
}

func TestAccessors_MissingParam(t *testing.T) {
	cfg := loadFixture(t, `params {}`)

	_, err := cfg.String("reference")
	var missing *MissingParamError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "reference", missing.Name)

	_, err = cfg.Int("chunk_size")
	assert.True(t, errors.As(err, &missing))
}

func TestOverlay_OverridesAndAdds(t *testing.T) {
	cfg := loadFixture(t, runHCL)
	overlay := testutil.WriteFile(t, t.TempDir(), "params.yaml",
		"reference: /refs/GRCh38.v2.fa\nthreads: 4\nsamples:\n  - NA24385\n")

	require.NoError(t, cfg.Overlay(context.Background(), overlay))

	ref, err := cfg.String("reference")
	require.NoError(t, err)
	assert.Equal(t, "/refs/GRCh38.v2.fa", ref)

	threads, err := cfg.Int("threads")
	require.NoError(t, err)
	assert.Equal(t, int64(4), threads)

	samples, err := cfg.StringList("samples")
	require.NoError(t, err)
	assert.Equal(t, []string{"NA24385"}, samples)
}

func TestOverlay_MalformedYAML(t *testing.T) {
	cfg := loadFixture(t, runHCL)
	overlay := testutil.WriteFile(t, t.TempDir(), "params.yaml", "reference: [unterminated")
	require.Error(t, cfg.Overlay(context.Background(), overlay))
}

func TestValidate_ReportsAllMissing(t *testing.T) {
	cfg := loadFixture(t, "params {\n  reference = \"/refs/GRCh38.fa\"\n}\n")

	err := cfg.Validate([]string{"reference", "reads_r1", "chunk_size"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_size")
	assert.Contains(t, err.Error(), "reads_r1")
	assert.NotContains(t, err.Error(), "reference")

	assert.NoError(t, cfg.Validate([]string{"reference"}))
}
