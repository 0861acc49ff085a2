// Package extract turns uploaded document bytes into plain text for the
// ingestion pipeline. Only text-based formats are supported; binary document
// formats are rejected with a descriptive error instead of producing garbage
// graph input.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/topiary-ai/topiary/internal/util"
)

// binaryExtensions are formats that need a real parser. They are rejected
// up front so the error names the format instead of a generic decode failure.
var binaryExtensions = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
	".ppt":  true,
	".pptx": true,
	".xls":  true,
	".xlsx": true,
	".zip":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".mp3":  true,
	".mp4":  true,
	".wav":  true,
}

// PlainTextExtractor extracts text from plain-text uploads (txt, md, csv,
// json and similar).
type PlainTextExtractor struct{}

func NewPlainTextExtractor() *PlainTextExtractor {
	return &PlainTextExtractor{}
}

// Extract returns the upload as sanitized UTF-8 text.
func (e *PlainTextExtractor) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("file %s is empty", filename)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if binaryExtensions[ext] {
		return "", fmt.Errorf("unsupported file format %s: only text-based formats are supported", ext)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", fmt.Errorf("file %s looks binary, not text", filename)
	}

	text := strings.TrimSpace(util.SanitizePostgresText(string(data)))
	if text == "" {
		return "", fmt.Errorf("file %s contains no extractable text", filename)
	}
	return text, nil
}
