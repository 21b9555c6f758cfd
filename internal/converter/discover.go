package converter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/local/docconvert/internal/apperr"
)

// FindArtifact locates the output file for stem.ext inside dir. The office
// renderer names outputs after the input file, but may alter the name, so
// any single file with the target extension is accepted as a fallback.
func FindArtifact(dir, stem, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", apperr.Conversion("output directory unreadable", err)
	}
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	want := strings.ToLower(stem + "." + ext)

	var candidates []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if strings.ToLower(name) == want {
			return filepath.Join(dir, name), nil
		}
		if strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) == ext {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}
	switch len(candidates) {
	case 0:
		return "", apperr.Conversion(fmt.Sprintf("no .%s output produced", ext), nil)
	case 1:
		return candidates[0], nil
	default:
		return "", apperr.Conversion(fmt.Sprintf("ambiguous output: %d .%s files", len(candidates), ext), nil)
	}
}
