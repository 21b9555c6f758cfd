package orchestrator

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/local/docconvert/internal/apperr"
)

const maxFieldBytes = 64 << 10

// multipartForm streams file parts straight from the request body, so uploads
// are never buffered outside the job workspace.
type multipartForm struct {
	mr         *multipart.Reader
	fileFields map[string]bool
	values     map[string]string
	part       *multipart.Part
}

func newMultipartForm(r *http.Request, fileFields []string) (*multipartForm, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperr.Validation("expected multipart/form-data upload")
	}
	ff := make(map[string]bool, len(fileFields))
	for _, f := range fileFields {
		ff[f] = true
	}
	return &multipartForm{mr: mr, fileFields: ff, values: map[string]string{}}, nil
}

func (f *multipartForm) NextFile() (*Upload, error) {
	if f.part != nil {
		f.part.Close()
		f.part = nil
	}
	for {
		p, err := f.mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, bodyError(err)
		}
		if p.FileName() == "" {
			b, err := io.ReadAll(io.LimitReader(p, maxFieldBytes))
			p.Close()
			if err != nil {
				return nil, bodyError(err)
			}
			f.values[p.FormName()] = string(b)
			continue
		}
		if !f.fileFields[p.FormName()] {
			p.Close()
			continue
		}
		f.part = p
		return &Upload{Name: p.FileName(), Body: &oversizeReader{r: p}}, nil
	}
}

func (f *multipartForm) Value(key string) string { return f.values[key] }

// oversizeReader reports a request body cut off by http.MaxBytesReader as an
// oversize upload.
type oversizeReader struct{ r io.Reader }

func (o *oversizeReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, bodyError(err)
	}
	return n, err
}

func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return apperr.Oversize(mbe.Limit)
	}
	return apperr.Validation("malformed multipart body")
}

// FileForm serves local files, for the command line.
type FileForm struct {
	Paths  []string
	Values map[string]string

	next int
	cur  *os.File
}

func (f *FileForm) NextFile() (*Upload, error) {
	if f.cur != nil {
		f.cur.Close()
		f.cur = nil
	}
	if f.next >= len(f.Paths) {
		return nil, io.EOF
	}
	p := f.Paths[f.next]
	f.next++
	file, err := os.Open(p)
	if err != nil {
		return nil, apperr.Validation("cannot open input: " + filepath.Base(p))
	}
	f.cur = file
	return &Upload{Name: filepath.Base(p), Body: file}, nil
}

func (f *FileForm) Value(key string) string { return f.Values[key] }

// Close releases the last opened file.
func (f *FileForm) Close() error {
	if f.cur == nil {
		return nil
	}
	err := f.cur.Close()
	f.cur = nil
	return err
}
