package convert

import (
	"archive/zip"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// zipReader exposes a zip archive as an fs.FS. Entries smaller than limit
// are served straight from the archive; larger ones are unpacked into a
// scratch directory first, so readers that need random access or an
// on-disk path, such as the pytorch loader, get a real file.
type zipReader struct {
	r *zip.Reader
	p string

	limit int64
}

func NewZipReader(r *zip.Reader, p string, limit int64) fs.FS {
	return &zipReader{r, p, limit}
}

func (z *zipReader) Open(name string) (fs.File, error) {
	f, err := z.r.Open(name)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size() < z.limit {
		return f, nil
	}
	defer f.Close()

	if !filepath.IsLocal(name) {
		return nil, zip.ErrInsecurePath
	}

	n := filepath.Join(z.p, name)
	if _, err := os.Stat(n); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(n), 0o755); err != nil {
			return nil, err
		}

		w, err := os.Create(n)
		if err != nil {
			return nil, err
		}
		defer w.Close()

		if _, err := io.Copy(w, f); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return os.Open(n)
}
