// Package archive extracts uploaded application bundles.
//
// Supported formats are detected from the leading bytes of the payload:
// zip, tar, gzip-compressed tar and zstd-compressed tar.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format identifies an archive container.
type Format string

const (
	FormatZip     Format = "zip"
	FormatTar     Format = "tar"
	FormatTarGz   Format = "tar.gz"
	FormatTarZstd Format = "tar.zst"
	FormatUnknown Format = "unknown"
)

// ErrUnsupported is returned when the payload is not a recognised archive.
var ErrUnsupported = errors.New("unsupported archive format")

var (
	magicZip  = []byte("PK\x03\x04")
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// maxFileSize bounds a single extracted entry.
const maxFileSize = 2 << 30

// Detect inspects the header of an archive.
func Detect(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, magicZip):
		return FormatZip
	case bytes.HasPrefix(header, magicGzip):
		return FormatTarGz
	case bytes.HasPrefix(header, magicZstd):
		return FormatTarZstd
	case len(header) >= 262 && string(header[257:262]) == "ustar":
		return FormatTar
	}
	return FormatUnknown
}

// ExtractFile extracts the archive at src into dest, which is created if
// needed.
func ExtractFile(src, dest string) (Format, error) {
	f, err := os.Open(src)
	if err != nil {
		return FormatUnknown, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 512)
	header, _ := br.Peek(512)
	format := Detect(header)

	if err := os.MkdirAll(dest, 0755); err != nil {
		return format, fmt.Errorf("failed to create destination: %w", err)
	}

	switch format {
	case FormatZip:
		info, err := f.Stat()
		if err != nil {
			return format, fmt.Errorf("failed to stat archive: %w", err)
		}
		return format, extractZip(f, info.Size(), dest)
	case FormatTarGz:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return format, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer zr.Close()
		return format, extractTar(zr, dest)
	case FormatTarZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return format, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		return format, extractTar(zr, dest)
	case FormatTar:
		return format, extractTar(br, dest)
	}

	return format, ErrUnsupported
}

// safeJoin resolves name under dest, rejecting entries that would escape it.
func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	target := filepath.Join(dest, clean)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("illegal path in archive: %s", name)
	}
	return target, nil
}

func extractZip(r io.ReaderAt, size int64, dest string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("failed to read zip: %w", err)
	}

	for _, zf := range zr.File {
		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}
		if zf.Mode()&os.ModeSymlink != 0 {
			// Symlinks in uploads are skipped
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", zf.Name, err)
		}
		err = writeFile(target, rc, zf.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		default:
			// links, devices and pax metadata are ignored
		}
	}
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	n, err := io.Copy(out, io.LimitReader(r, maxFileSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if n > maxFileSize {
		return fmt.Errorf("archive entry too large: %s", target)
	}

	return nil
}
