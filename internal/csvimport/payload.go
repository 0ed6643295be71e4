package csvimport

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/cycomachead/canvas-lms/internal/sis"
)

// zipMagic is the local-file-header signature at the start of a zip
// archive.
var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// payloadFile is one CSV stream inside the submitted payload.
type payloadFile struct {
	name string
	size int64
	open func() (io.ReadCloser, error)
}

// spool copies the upload to a temp file and reports its size.
func spool(r io.Reader) (*os.File, int64, error) {
	tmp, err := os.CreateTemp("", "sis_upload_*")
	if err != nil {
		return nil, 0, err
	}
	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, err
	}
	return tmp, size, nil
}

// openFiles decides whether the spooled payload is a zip of CSVs or a bare
// CSV and returns the contained files. Empty payloads and zips with no CSV
// entries are submission errors.
func openFiles(tmp *os.File, size int64) ([]payloadFile, error) {
	if size == 0 {
		return nil, fmt.Errorf("uploaded file is empty")
	}

	magic := make([]byte, 4)
	if _, err := tmp.ReadAt(magic, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read upload: %v", err)
	}

	if !bytes.Equal(magic, zipMagic) {
		return []payloadFile{{
			name: "import.csv",
			size: size,
			open: func() (io.ReadCloser, error) {
				return io.NopCloser(io.NewSectionReader(tmp, 0, size)), nil
			},
		}}, nil
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return nil, fmt.Errorf("read zip: %v", err)
	}

	var files []payloadFile
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		name := path.Base(entry.Name)
		if strings.HasPrefix(name, ".") || !strings.EqualFold(path.Ext(name), ".csv") {
			continue
		}
		entry := entry
		files = append(files, payloadFile{
			name: name,
			size: int64(entry.UncompressedSize64),
			open: func() (io.ReadCloser, error) { return entry.Open() },
		})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("zip contains no csv files")
	}
	return files, nil
}

// progress turns bytes consumed into batch progress updates through the
// fast tracker. It caps at 99; only finalization reports 100.
type progress struct {
	run   *sis.Run
	total int64
	read  int64
}

func (p *progress) wrap(r io.Reader) io.Reader {
	return &countingReader{r: r, n: &p.read}
}

func (p *progress) report(ctx context.Context) {
	if p.total <= 0 {
		return
	}
	pct := int(p.read * 100 / p.total)
	if pct > 99 {
		pct = 99
	}
	p.run.SetProgress(ctx, pct)
}

type countingReader struct {
	r io.Reader
	n *int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	*c.n += int64(n)
	return n, err
}

// skipBOM strips a UTF-8 byte order mark; spreadsheet exports on Windows
// routinely prepend one.
func skipBOM(r io.Reader) io.Reader {
	return &bomReader{r: r}
}

type bomReader struct {
	r       io.Reader
	checked bool
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (b *bomReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		head := make([]byte, 3)
		n, err := io.ReadFull(b.r, head)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			b.r = bytes.NewReader(head[:n])
		} else if err != nil {
			return 0, err
		} else if !bytes.Equal(head, utf8BOM) {
			b.r = io.MultiReader(bytes.NewReader(head), b.r)
		}
	}
	return b.r.Read(p)
}
