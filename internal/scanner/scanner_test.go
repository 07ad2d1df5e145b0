package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/AM-Campbell/sr/internal/adapter/basicqa"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const qaDoc = "---\nsr_adapter: basic_qa\n---\nQ: question?\nA: answer\n"

func TestScanSingleMarkdownFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, qaDoc)

	results := Scan([]string{path})
	require.Len(t, results, 1)
	assert.Equal(t, path, results[0].SourcePath)
	assert.Equal(t, "basic_qa", results[0].Adapter)
	require.Len(t, results[0].Cards, 1)
	assert.Equal(t, "qa_1", results[0].Cards[0].Key)
}

func TestScanSkipsFilesWithoutAdapter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "plain.md"), "# just notes\n")
	writeFile(t, filepath.Join(dir, "cards.md"), qaDoc)

	results := Scan([]string{dir})
	require.Len(t, results, 1)
	assert.Equal(t, filepath.Join(dir, "cards.md"), results[0].SourcePath)
}

func TestScanDirectoryRecursesSkippingDotDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "one.md"), qaDoc)
	writeFile(t, filepath.Join(dir, "a", "b", "two.md"), qaDoc)
	writeFile(t, filepath.Join(dir, ".git", "hidden.md"), qaDoc)

	results := Scan([]string{dir})
	require.Len(t, results, 2)
	assert.Equal(t, filepath.Join(dir, "a", "b", "two.md"), results[0].SourcePath)
	assert.Equal(t, filepath.Join(dir, "a", "one.md"), results[1].SourcePath)
}

func TestScanDirectoryConfigAppliesAdapterToAllFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".sr.config"), "adapter = \"basic_qa\"\ntags = \"chemistry\"\n")
	// No frontmatter needed when the directory declares the adapter.
	writeFile(t, filepath.Join(dir, "one.md"), "Q: q1?\nA: a1\n")
	writeFile(t, filepath.Join(dir, "two.txt"), "Q: q2?\nA: a2\n")

	results := Scan([]string{dir})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "basic_qa", r.Adapter)
		require.Len(t, r.Cards, 1)
		assert.Equal(t, []string{"chemistry"}, r.Cards[0].Tags)
	}
}

func TestScanSuspendedSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paused.md")
	writeFile(t, path, "---\nsr_adapter: basic_qa\nsuspended: true\n---\nQ: q?\nA: a\n")

	results := Scan([]string{path})
	require.Len(t, results, 1)
	assert.True(t, results[0].Suspended)
}

func TestScanDeduplicatesOverlappingPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, qaDoc)

	results := Scan([]string{dir, path})
	assert.Len(t, results, 1)
}

func TestScanUnknownAdapterIsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "odd.md"), "---\nsr_adapter: no_such_adapter\n---\nQ: q?\nA: a\n")

	results := Scan([]string{dir})
	assert.Empty(t, results)
}

func TestSplitScope(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	writeFile(t, path, qaDoc)
	gone := filepath.Join(dir, "deleted.md")

	files, dirs := SplitScope([]string{dir, path, gone})
	assert.Equal(t, []string{dir}, dirs)
	// A vanished file stays in scope so its cards get cleaned up.
	assert.Equal(t, []string{path, gone}, files)
}
