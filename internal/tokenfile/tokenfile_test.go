package tokenfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeShard(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.txt.0")
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readShard(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	if len(data) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestPruneThrough(t *testing.T) {
	path := writeShard(t, "a", "b", "c", "d")
	require.NoError(t, PruneThrough(path, "b"))
	assert.Equal(t, []string{"c", "d"}, readShard(t, path))
}

func TestPruneThroughTrimsWhitespace(t *testing.T) {
	path := writeShard(t, "a", " b \r", "c")
	require.NoError(t, PruneThrough(path, "b\n"))
	assert.Equal(t, []string{"c"}, readShard(t, path))
}

func TestPruneThroughFirstOccurrence(t *testing.T) {
	path := writeShard(t, "a", "b", "c", "b", "d")
	require.NoError(t, PruneThrough(path, "b"))
	assert.Equal(t, []string{"c", "b", "d"}, readShard(t, path))
}

// A target that is not in the file consumes the whole shard.
func TestPruneThroughNoMatchEmptiesFile(t *testing.T) {
	path := writeShard(t, "a", "b", "c")
	require.NoError(t, PruneThrough(path, "zzz"))
	assert.Empty(t, readShard(t, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestPruneThroughLastLineWithoutNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard")
	require.NoError(t, os.WriteFile(path, []byte("a\nb"), 0o600))
	require.NoError(t, PruneThrough(path, "b"))
	assert.Empty(t, readShard(t, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestPruneLines(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		lines []string
		want  []string
	}{
		{"two of three", 2, []string{"a", "b", "c"}, []string{"c"}},
		{"zero is a no-op", 0, []string{"a", "b"}, []string{"a", "b"}},
		{"negative is a no-op", -3, []string{"a"}, []string{"a"}},
		{"more than available", 5, []string{"a", "b"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeShard(t, tt.lines...)
			require.NoError(t, PruneLines(path, tt.n))
			assert.Equal(t, tt.want, readShard(t, path))
		})
	}
}

func TestPruneSelectsMode(t *testing.T) {
	path := writeShard(t, "a", "b", "c", "d")
	require.NoError(t, Prune(path, 1, "c"))
	assert.Equal(t, []string{"b", "c", "d"}, readShard(t, path))

	require.NoError(t, Prune(path, 0, "c"))
	assert.Equal(t, []string{"d"}, readShard(t, path))
}

func TestPruneMissingFile(t *testing.T) {
	err := PruneThrough(filepath.Join(t.TempDir(), "nope"), "a")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPruneLeavesNoTempFiles(t *testing.T) {
	path := writeShard(t, "a", "b")
	require.NoError(t, PruneThrough(path, "a"))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestShardPaths(t *testing.T) {
	paths := ShardPaths("/data/tokens.txt")
	require.Len(t, paths, ShardCount)
	assert.Equal(t, "/data/tokens.txt.0", paths[0])
	assert.Equal(t, "/data/tokens.txt.a", paths[10])
	assert.Equal(t, "/data/tokens.txt.f", paths[15])
}

func TestLineCounts(t *testing.T) {
	tok := strings.Repeat("f", 64)
	path := writeShard(t, tok, tok, tok, "")

	n, err := EstimateLines(path, 64)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	c, err := CountLines(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c)
}

func TestWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.txt.1")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Write("x"))
	require.NoError(t, w.Write("y"))
	assert.Equal(t, 2, w.Count())
	require.NoError(t, w.Close())
	assert.Equal(t, []string{"x", "y"}, readShard(t, path))
}

func TestManifest(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "tokens.txt")
	m := Manifest{ShardPath(base, 1): 4, ShardPath(base, 0): 2}
	require.NoError(t, m.Save(base))

	ok, err := IsManifest(base)
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := LoadManifest(base)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)
	assert.Equal(t, []string{ShardPath(base, 0), ShardPath(base, 1)}, loaded.Shards())
	assert.Equal(t, 6, loaded.Total())
}

func TestIsManifestPlainTokenFile(t *testing.T) {
	path := writeShard(t, strings.Repeat("a", 64))
	ok, err := IsManifest(path)
	require.NoError(t, err)
	assert.False(t, ok)

	empty := writeShard(t)
	ok, err = IsManifest(empty)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadManifestInvalid(t *testing.T) {
	path := writeShard(t, "{not json")
	_, err := LoadManifest(path)
	assert.Error(t, err)
}
