package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, base string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(base, "keyframes")
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestZipDirectoryRoundTrip(t *testing.T) {
	base := t.TempDir()
	dir := writeTree(t, base, map[string]string{
		"frame_0001.jpg":        "aaaa",
		"frame_0002.jpg":        "bbbbbb",
		"nested/frame_0003.jpg": "cc",
	})

	archivePath, info, err := ZipDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, dir+"_compressed.zip", archivePath)
	assert.Equal(t, 3, info.FilesCount)
	assert.Equal(t, int64(12), info.OriginalSize)
	assert.Greater(t, info.CompressedSize, int64(0))
	assert.Equal(t, "zip", info.Format)

	// Extracting yields the same regular files.
	dst := filepath.Join(base, "out")
	require.NoError(t, Unzip(archivePath, dst))

	for name, content := range map[string]string{
		"frame_0001.jpg":        "aaaa",
		"frame_0002.jpg":        "bbbbbb",
		"nested/frame_0003.jpg": "cc",
	} {
		data, err := os.ReadFile(filepath.Join(dst, name))
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
	}
}

func TestZipDirectoryDeterministicEntryOrder(t *testing.T) {
	base := t.TempDir()
	dir := writeTree(t, base, map[string]string{
		"b.jpg": "b",
		"a.jpg": "a",
		"c.jpg": "c",
	})

	archivePath, _, err := ZipDirectory(dir)
	require.NoError(t, err)

	reader, err := zip.OpenReader(archivePath)
	require.NoError(t, err)
	defer reader.Close()

	var names []string
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, names)
}

func TestZipDirectorySkipsSymlinks(t *testing.T) {
	base := t.TempDir()
	dir := writeTree(t, base, map[string]string{"real.txt": "data"})
	require.NoError(t, os.Symlink(filepath.Join(dir, "real.txt"), filepath.Join(dir, "link.txt")))

	_, info, err := ZipDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, info.FilesCount)
}

func TestZipDirectoryRejectsFile(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, _, err := ZipDirectory(file)
	assert.Error(t, err)
}

func TestZipDirectoryEmpty(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "empty")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	archivePath, info, err := ZipDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, info.FilesCount)
	assert.Equal(t, int64(0), info.OriginalSize)
	assert.FileExists(t, archivePath)
	assert.Equal(t, 0.0, info.CompressionRatio)
}

func TestUnzipRejectsPathTraversal(t *testing.T) {
	base := t.TempDir()
	malicious := filepath.Join(base, "evil.zip")

	out, err := os.Create(malicious)
	require.NoError(t, err)
	w := zip.NewWriter(out)
	entry, err := w.Create("../escape.txt")
	require.NoError(t, err)
	_, err = entry.Write([]byte("bad"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())

	dst := filepath.Join(base, "dst")
	err = Unzip(malicious, dst)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(base, "escape.txt"))
}
