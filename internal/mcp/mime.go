package mcp

import (
	"path/filepath"
	"strings"
)

// mimeTypes maps corpus file extensions to MIME types.
var mimeTypes = map[string]string{
	// Documentation
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".mdx":      "text/markdown",
	".txt":      "text/plain",
	".text":     "text/plain",
	".rst":      "text/x-rst",
	".adoc":     "text/asciidoc",
	".log":      "text/plain",

	// Data
	".json": "application/json",
	".yaml": "text/x-yaml",
	".yml":  "text/x-yaml",
	".toml": "text/x-toml",
	".csv":  "text/csv",
	".xml":  "text/xml",

	// Web
	".html": "text/html",
	".htm":  "text/html",
}

// specialFilenames maps specific filenames to MIME types.
var specialFilenames = map[string]string{
	"README":    "text/plain",
	"LICENSE":   "text/plain",
	"CHANGELOG": "text/plain",
}

// MimeTypeForPath returns the MIME type for a file path.
// Special filenames win over extensions; unknown types are text/plain.
func MimeTypeForPath(path string) string {
	if mime, ok := specialFilenames[filepath.Base(path)]; ok {
		return mime
	}
	if mime, ok := mimeTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return mime
	}
	return "text/plain"
}
