package media

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: uint8(x % 256), A: 255})
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, nil))
}

func TestListImagesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "b.jpg"), 4, 4)
	writeJPEG(t, filepath.Join(dir, "a.jpg"), 4, 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	paths, err := ListImages(dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "a.jpg", filepath.Base(paths[0]))
	assert.Equal(t, "b.jpg", filepath.Base(paths[1]))
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.jpg")
	writeJPEG(t, path, 640, 360)

	info, err := Probe(path)
	require.NoError(t, err)
	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 360, info.Height)
}

func TestProbePNG(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.png")
	img := image.NewRGBA(image.Rect(0, 0, 10, 20))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	info, err := Probe(path)
	require.NoError(t, err)
	assert.Equal(t, 10, info.Width)
	assert.Equal(t, 20, info.Height)
}

func TestResizeToWidthShrinksWideImages(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "wide.jpg")
	dst := filepath.Join(dir, "out", "small.jpg")
	writeJPEG(t, src, 2000, 1000)

	require.NoError(t, ResizeToWidth(src, dst, 960))

	info, err := Probe(dst)
	require.NoError(t, err)
	assert.Equal(t, 960, info.Width)
	assert.Equal(t, 480, info.Height)
}

func TestResizeToWidthKeepsSmallImages(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "small.jpg")
	dst := filepath.Join(dir, "copy.jpg")
	writeJPEG(t, src, 320, 240)

	require.NoError(t, ResizeToWidth(src, dst, 960))

	info, err := Probe(dst)
	require.NoError(t, err)
	assert.Equal(t, 320, info.Width)
	assert.Equal(t, 240, info.Height)
}
