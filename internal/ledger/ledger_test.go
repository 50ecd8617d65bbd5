package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqwell/pipegrid/internal/fingerprint"
	"github.com/seqwell/pipegrid/internal/testutil"
)

const fp = fingerprint.Fingerprint("deadbeef")

func TestClaim_FreshFingerprint(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)

	entry, claimed := l.Claim(fp)
	assert.Nil(t, entry)
	assert.True(t, claimed)

	// A second claim while the first is in flight is refused.
	entry, claimed = l.Claim(fp)
	assert.Nil(t, entry)
	assert.False(t, claimed)
}

func TestClaim_AfterRecord(t *testing.T) {
	dir := t.TempDir()
	out := testutil.WriteFile(t, dir, "sorted.bam", "bam bytes")

	l, err := Open(filepath.Join(dir, "ledger.json"))
	require.NoError(t, err)

	_, claimed := l.Claim(fp)
	require.True(t, claimed)
	require.NoError(t, l.Record(fp, "stage.classic.sort", map[string][]string{"bam": {out}}))

	entry, claimed := l.Claim(fp)
	require.NotNil(t, entry)
	assert.False(t, claimed)
	assert.Equal(t, "stage.classic.sort", entry.Stage)
	assert.Equal(t, []string{out}, entry.Outputs["bam"])
}

func TestClaim_StaleOutputsAreReclaimed(t *testing.T) {
	dir := t.TempDir()
	out := testutil.WriteFile(t, dir, "sorted.bam", "bam bytes")

	l, err := Open(filepath.Join(dir, "ledger.json"))
	require.NoError(t, err)
	_, claimed := l.Claim(fp)
	require.True(t, claimed)
	require.NoError(t, l.Record(fp, "stage.classic.sort", map[string][]string{"bam": {out}}))

	// Once a recorded output disappears, the entry no longer satisfies a
	// claim and the task must be re-dispatched.
	require.NoError(t, os.Remove(out))
	entry, claimed := l.Claim(fp)
	assert.Nil(t, entry)
	assert.True(t, claimed)
}

func TestRelease_AbandonsClaim(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)

	_, claimed := l.Claim(fp)
	require.True(t, claimed)
	l.Release(fp)

	_, claimed = l.Claim(fp)
	assert.True(t, claimed)
	assert.Equal(t, 0, l.Len())
}

func TestResume_SeedsFromPriorLedger(t *testing.T) {
	dir := t.TempDir()
	out := testutil.WriteFile(t, dir, "calls.vcf.gz", "vcf bytes")

	priorPath := filepath.Join(dir, "prior", "ledger.json")
	prior, err := Open(priorPath)
	require.NoError(t, err)
	_, claimed := prior.Claim(fp)
	require.True(t, claimed)
	require.NoError(t, prior.Record(fp, "stage.classic.call[0]", map[string][]string{"vcf": {out}}))

	l, err := Resume(filepath.Join(dir, "next", "ledger.json"), priorPath)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())

	entry, claimed := l.Claim(fp)
	require.NotNil(t, entry)
	assert.False(t, claimed)
	assert.Equal(t, "stage.classic.call[0]", entry.Stage)
}

func TestResume_MissingPriorIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	l, err := Resume(filepath.Join(dir, "ledger.json"), filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestResume_CorruptPrior(t *testing.T) {
	dir := t.TempDir()
	priorPath := testutil.WriteFile(t, dir, "prior.json", "{not json")

	_, err := Resume(filepath.Join(dir, "ledger.json"), priorPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse prior ledger")
}

func TestRecord_FlushesDurably(t *testing.T) {
	dir := t.TempDir()
	out := testutil.WriteFile(t, dir, "merged.vcf.gz", "vcf bytes")
	path := filepath.Join(dir, "ledger.json")

	l, err := Open(path)
	require.NoError(t, err)
	_, claimed := l.Claim(fp)
	require.True(t, claimed)
	require.NoError(t, l.Record(fp, "stage.accel.merge_calls", map[string][]string{"vcf": {out}}))

	// The file on disk alone must be enough to resume from.
	resumed, err := Resume(filepath.Join(dir, "ledger2.json"), path)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.Len())
}
