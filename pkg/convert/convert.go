// Package convert provides the file-to-Markdown tool adapters exposed over
// MCP. Each format is a thin wrapper over an external library; no
// conversion logic of consequence lives here.
package convert

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// DefaultMaxFileBytes bounds input files (50 MB).
const DefaultMaxFileBytes = 50 << 20

// Converter routes conversions by extension or URI scheme.
type Converter struct {
	html         *md.Converter
	maxFileBytes int64
}

// NewConverter creates a Converter. maxFileBytes <= 0 selects the default.
func NewConverter(maxFileBytes int64) *Converter {
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	return &Converter{
		html:         md.NewConverter("", true, nil),
		maxFileBytes: maxFileBytes,
	}
}

// supportedExts maps extensions to their conversion functions.
func (c *Converter) supportedExts() map[string]func(string) (string, error) {
	return map[string]func(string) (string, error){
		".html": c.convertHTMLFile,
		".htm":  c.convertHTMLFile,
		".csv":  convertCSVFile,
		".json": convertJSONFile,
		".xml":  convertXMLFile,
		".txt":  readFileVerbatim,
		".md":   readFileVerbatim,
		".xlsx": convertXLSX,
		".xls":  convertXLSX,
		".pdf":  convertPDF,
	}
}

// ConvertFile converts a local file path to Markdown.
func (c *Converter) ConvertFile(_ context.Context, filePath string) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("file not found: %s", filePath)
	}
	if info.Size() > c.maxFileBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), c.maxFileBytes)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	fn, ok := c.supportedExts()[ext]
	if !ok {
		return "", fmt.Errorf("unsupported format: %q", ext)
	}
	return fn(filePath)
}

// ConvertURI converts a URI to Markdown. Supported schemes: file, http,
// https.
func (c *Converter) ConvertURI(ctx context.Context, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid URI: %s", uri)
	}

	switch u.Scheme {
	case "file":
		return c.ConvertFile(ctx, u.Path)
	case "http", "https":
		return c.convertURL(ctx, uri)
	default:
		return "", fmt.Errorf("unsupported URI scheme: %q (expected file, http, or https)", u.Scheme)
	}
}

// Info returns a Markdown summary of supported formats and limits.
func (c *Converter) Info() string {
	exts := make([]string, 0, len(c.supportedExts()))
	for ext := range c.supportedExts() {
		exts = append(exts, strings.TrimPrefix(ext, "."))
	}
	sort.Strings(exts)

	return fmt.Sprintf(`# Markdownify Conversion Info

## Supported Formats
- %s

## Limits
- Max file size: %d MB`,
		strings.Join(exts, "\n- "),
		c.maxFileBytes>>20,
	)
}

func readFileVerbatim(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}
