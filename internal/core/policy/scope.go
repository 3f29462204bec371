package policy

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

// CheckScope fails with InvalidScopeError when a dataset's type or size falls
// outside the policy scope. Scope file types may name extensions (pdf) or
// file classes (document, text, image).
func CheckScope(p *entity.Policy, ds *entity.Dataset) error {
	ext := constants.NormalizeExt(ds.FileExt)
	if len(p.Scope.FileTypes) > 0 && !typeAllowed(p.Scope.FileTypes, ext) {
		return common.InvalidScopeError(fmt.Sprintf("file type %q not in policy %s scope [%s]",
			ext, p.Name, strings.Join(p.Scope.FileTypes, ", ")))
	}
	if p.Scope.MaxFileSize > 0 && ds.Size > p.Scope.MaxFileSize {
		return common.InvalidScopeError(fmt.Sprintf("file size %s exceeds policy %s limit %s",
			humanize.Bytes(uint64(ds.Size)), p.Name, humanize.Bytes(uint64(p.Scope.MaxFileSize))))
	}
	return nil
}

func typeAllowed(allowed []string, ext string) bool {
	class, _ := constants.ClassifyExt(ext)
	for _, a := range allowed {
		if a == ext || (class != "" && strings.EqualFold(a, string(class))) {
			return true
		}
	}
	return false
}
