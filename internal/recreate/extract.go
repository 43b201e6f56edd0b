package recreate

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
)

// archiveEntry is one member of a zip or tar archive.
type archiveEntry struct {
	name string
	mode os.FileMode
	dir  bool
	open func() (io.ReadCloser, error)
}

// extractArchive unpacks the zip or gzipped tar at src into dest. When every
// member lives under one top-level directory (as source-host archives do),
// that directory is stripped so the plugin's files land directly in dest.
func extractArchive(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	head, err := bufio.NewReader(f).Peek(4)
	if err != nil && len(head) < 2 {
		return fmt.Errorf("reading archive header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	switch {
	case bytes.HasPrefix(head, zipMagic):
		return extractZip(src, dest)
	case bytes.HasPrefix(head, gzipMagic):
		return extractTarGz(f, dest)
	default:
		return fmt.Errorf("%s is neither a zip nor a gzipped tar archive", filepath.Base(src))
	}
}

func extractZip(src, dest string) error {
	r, err := zip.OpenReader(src)
	// Non-local member names are confined by writeEntries.
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer r.Close()

	entries := make([]archiveEntry, 0, len(r.File))
	for _, zf := range r.File {
		zf := zf
		entries = append(entries, archiveEntry{
			name: zf.Name,
			mode: zf.Mode(),
			dir:  zf.FileInfo().IsDir(),
			open: func() (io.ReadCloser, error) { return zf.Open() },
		})
	}
	return writeEntries(entries, dest)
}

func extractTarGz(r io.Reader, dest string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gzr.Close()

	// Tar is a stream, so members are buffered to find the common prefix
	// before anything is written.
	var entries []archiveEntry
	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			entries = append(entries, archiveEntry{name: hdr.Name, mode: os.FileMode(hdr.Mode), dir: true})
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("reading %s: %w", hdr.Name, err)
			}
			entries = append(entries, archiveEntry{
				name: hdr.Name,
				mode: os.FileMode(hdr.Mode),
				open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
			})
		}
		// Links and devices are skipped; plugin archives do not need them.
	}
	return writeEntries(entries, dest)
}

func writeEntries(entries []archiveEntry, dest string) error {
	if len(entries) == 0 {
		return fmt.Errorf("archive is empty")
	}
	prefix := commonTopDir(entries)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	for _, e := range entries {
		name := strings.TrimPrefix(path.Clean("/"+e.name), "/")
		if prefix != "" && name+"/" == prefix {
			continue
		}
		name = strings.TrimPrefix(name, prefix)
		if name == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		if !within(dest, target) {
			return fmt.Errorf("archive member %q escapes the destination", e.name)
		}
		if e.dir {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := writeEntry(e, target); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(e archiveEntry, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := e.open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", e.name, err)
	}
	defer rc.Close()

	perm := e.mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	return out.Close()
}

// commonTopDir returns "top/" when every entry sits under the same top-level
// directory, else "".
func commonTopDir(entries []archiveEntry) string {
	var top string
	for _, e := range entries {
		name := strings.TrimPrefix(path.Clean("/"+e.name), "/")
		first, _, nested := strings.Cut(name, "/")
		if !nested && !e.dir {
			return ""
		}
		if top == "" {
			top = first
		} else if first != top {
			return ""
		}
	}
	if top == "" {
		return ""
	}
	return top + "/"
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
