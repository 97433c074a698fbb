// Package archive provides deterministic directory compression and secure
// extraction for workflow artifacts. Directories produced by nodes are always
// shipped to the object store as a single archive, never file by file.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Format is the only archive format currently produced.
const Format = "zip"

// CompressionInfo describes one produced archive. It is attached to stage
// outputs as <field>_compression_info.
type CompressionInfo struct {
	FilesCount       int     `json:"files_count"`
	OriginalSize     int64   `json:"original_size"`
	CompressedSize   int64   `json:"compressed_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	Format           string  `json:"format"`
}

// ZipDirectory compresses dir into <dir>_compressed.zip next to it and
// returns the archive path and compression info.
//
// The archive is deterministic: entries are sorted, stored with
// forward-slash relative paths, and carry zeroed timestamps. Symlinks and
// other non-regular files are skipped.
func ZipDirectory(dir string) (string, *CompressionInfo, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", nil, fmt.Errorf("failed to stat directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", nil, fmt.Errorf("%s is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(files)

	archivePath := strings.TrimRight(dir, "/") + "_compressed." + Format
	out, err := os.Create(archivePath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create archive %s: %w", archivePath, err)
	}
	defer func() { _ = out.Close() }()

	writer := zip.NewWriter(out)
	var originalSize int64
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", nil, err
		}
		if err := addFile(writer, path, filepath.ToSlash(rel)); err != nil {
			return "", nil, err
		}
		if fi, err := os.Stat(path); err == nil {
			originalSize += fi.Size()
		}
	}
	if err := writer.Close(); err != nil {
		return "", nil, fmt.Errorf("failed to finalize archive %s: %w", archivePath, err)
	}
	if err := out.Close(); err != nil {
		return "", nil, err
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return "", nil, err
	}

	ratio := 0.0
	if originalSize > 0 {
		ratio = float64(archiveInfo.Size()) / float64(originalSize)
	}
	return archivePath, &CompressionInfo{
		FilesCount:       len(files),
		OriginalSize:     originalSize,
		CompressedSize:   archiveInfo.Size(),
		CompressionRatio: ratio,
		Format:           Format,
	}, nil
}

func addFile(writer *zip.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	header := &zip.FileHeader{
		Name:   name,
		Method: zip.Deflate,
	}
	entry, err := writer.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create archive entry %s: %w", name, err)
	}
	if _, err := io.Copy(entry, file); err != nil {
		return fmt.Errorf("failed to compress %s: %w", path, err)
	}
	return nil
}

// Unzip extracts a zip archive into tgtPath with path traversal protection:
// any entry that would resolve outside the target directory aborts the
// extraction.
func Unzip(zipPath, tgtPath string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", zipPath, err)
	}
	defer func() { _ = reader.Close() }()

	cleanTarget := filepath.Clean(tgtPath)
	for _, f := range reader.File {
		filePath := filepath.Join(cleanTarget, f.Name)

		// zip slip guard
		if filePath != cleanTarget && !strings.HasPrefix(filePath, cleanTarget+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes target directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(filePath, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, filePath); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, dst string) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	in, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to read archive entry %s: %w", f.Name, err)
	}
	defer func() { _ = in.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return nil
}
