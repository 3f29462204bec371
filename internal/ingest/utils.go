package ingest

import (
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
)

// AllowedExt reports whether some extraction method handles the extension.
func AllowedExt(ext string) bool {
	_, ok := constants.ClassifyExt(ext)
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && base != "." && base != ".."
}
