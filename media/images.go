// Package media provides image probing and resizing helpers for the OCR
// pipeline. Keyframes sampled from video can be arbitrarily large; frames
// are downscaled to a bounded width before they are shipped to the OCR
// engine.
package media

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoding
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nfnt/resize"
)

// ImageInfo describes one probed image file.
type ImageInfo struct {
	Path   string
	Width  int
	Height int
}

// imageExtensions lists the file types treated as frames.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// ListImages returns the image files directly inside dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read image directory %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Probe decodes an image's dimensions without loading the full pixels.
func Probe(path string) (*ImageInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return &ImageInfo{Path: path, Width: cfg.Width, Height: cfg.Height}, nil
}

// ResizeToWidth downscales an image to maxWidth (keeping aspect ratio) and
// writes it as JPEG to dst. Images already narrow enough are copied through
// decode/encode so the output format is uniform.
func ResizeToWidth(src, dst string, maxWidth int) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open image %s: %w", src, err)
	}
	defer func() { _ = file.Close() }()

	img, _, err := image.Decode(file)
	if err != nil {
		return fmt.Errorf("failed to decode image %s: %w", src, err)
	}

	if img.Bounds().Dx() > maxWidth {
		img = resize.Resize(uint(maxWidth), 0, img, resize.Lanczos3)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: 90}); err != nil {
		return fmt.Errorf("failed to encode %s: %w", dst, err)
	}
	return nil
}
