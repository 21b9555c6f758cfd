package filetype

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Detector checks uploads by magic bytes, not filename
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// containers maps a declared extension to the container MIME types its
// content must descend from. Text formats have no entry and are not sniffed.
var containers = map[string][]string{
	"pdf":  {"application/pdf"},
	"docx": {"application/zip"},
	"xlsx": {"application/zip"},
	"pptx": {"application/zip"},
	"odt":  {"application/zip"},
	"ods":  {"application/zip"},
	"odp":  {"application/zip"},
	"doc":  {"application/x-ole-storage"},
	"xls":  {"application/x-ole-storage"},
	"ppt":  {"application/x-ole-storage"},
	"png":  {"image/png"},
	"jpg":  {"image/jpeg"},
	"jpeg": {"image/jpeg"},
}

// Consistent returns an error when the content of path contradicts the
// declared extension, e.g. a ".docx" that is not a ZIP container.
func (d *Detector) Consistent(path, ext string) error {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	want, ok := containers[ext]
	if !ok {
		return nil
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("failed to detect file type: %w", err)
	}
	for m := mtype; m != nil; m = m.Parent() {
		for _, w := range want {
			if m.Is(w) {
				return nil
			}
		}
	}
	log.Debug().Str("mime", mtype.String()).Str("declared", ext).Msg("content does not match extension")
	return fmt.Errorf("content type %s does not match .%s", mtype.String(), ext)
}
