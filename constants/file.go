package constants

import "strings"

// FileClass groups extensions that share an extraction strategy.
type FileClass string

const (
	FileClassText     FileClass = "TEXT"
	FileClassDocument FileClass = "DOCUMENT"
	FileClassImage    FileClass = "IMAGE"
)

var extClasses = map[string]FileClass{
	"txt":  FileClassText,
	"csv":  FileClassText,
	"tsv":  FileClassText,
	"json": FileClassText,
	"html": FileClassText,
	"htm":  FileClassText,
	"xml":  FileClassText,
	"md":   FileClassText,
	"log":  FileClassText,

	"pdf":  FileClassDocument,
	"docx": FileClassDocument,
	"doc":  FileClassDocument,
	"xlsx": FileClassDocument,
	"pptx": FileClassDocument,
	"odt":  FileClassDocument,
	"rtf":  FileClassDocument,

	"png":  FileClassImage,
	"jpg":  FileClassImage,
	"jpeg": FileClassImage,
	"tif":  FileClassImage,
	"tiff": FileClassImage,
	"bmp":  FileClassImage,
	"gif":  FileClassImage,
	"webp": FileClassImage,
	"heic": FileClassImage,
}

var contentTypes = map[string]string{
	"txt":  "text/plain; charset=utf-8",
	"csv":  "text/csv",
	"tsv":  "text/tab-separated-values",
	"json": "application/json",
	"html": "text/html",
	"htm":  "text/html",
	"xml":  "application/xml",
	"md":   "text/markdown",
	"log":  "text/plain",
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"doc":  "application/msword",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"odt":  "application/vnd.oasis.opendocument.text",
	"rtf":  "application/rtf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"bmp":  "image/bmp",
	"gif":  "image/gif",
	"webp": "image/webp",
	"heic": "image/heic",
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// ClassifyExt returns the file class for a normalized extension.
func ClassifyExt(ext string) (FileClass, bool) {
	c, ok := extClasses[NormalizeExt(ext)]
	return c, ok
}

// ContentTypeForExt falls back to application/octet-stream for unknown extensions.
func ContentTypeForExt(ext string) string {
	if ct, ok := contentTypes[NormalizeExt(ext)]; ok {
		return ct
	}
	return "application/octet-stream"
}

// SupportsOriginalReconstruction lists the source formats that can be rebuilt with substitutions.
func SupportsOriginalReconstruction(ext string) bool {
	switch NormalizeExt(ext) {
	case "pdf", "docx":
		return true
	}
	return false
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
