package convert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConvertFileHTML(t *testing.T) {
	c := NewConverter(0)
	path := writeTemp(t, "page.html", `<h1>Title</h1><p>Hello <strong>world</strong></p>`)

	out, err := c.ConvertFile(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, out, "# Title")
	assert.Contains(t, out, "**world**")
}

func TestConvertFileCSV(t *testing.T) {
	c := NewConverter(0)
	path := writeTemp(t, "data.csv", "name,score\nalice,10\nbob,20\n")

	out, err := c.ConvertFile(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, out, "| name | score |")
	assert.Contains(t, out, "| alice | 10 |")
	assert.Contains(t, out, "| --- | --- |")
}

func TestConvertFileCSVRaggedRows(t *testing.T) {
	c := NewConverter(0)
	path := writeTemp(t, "ragged.csv", "a,b,c\n1,2\n")

	out, err := c.ConvertFile(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, out, "| 1 | 2 |  |")
}

func TestConvertFileJSON(t *testing.T) {
	c := NewConverter(0)
	path := writeTemp(t, "obj.json", `{"a":1}`)

	out, err := c.ConvertFile(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "```json\n"))
	assert.Contains(t, out, `"a": 1`)
}

func TestConvertFileXML(t *testing.T) {
	c := NewConverter(0)
	path := writeTemp(t, "doc.xml", "<root><v>1</v></root>")

	out, err := c.ConvertFile(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, out, "```xml\n<root>")
}

func TestConvertFileTextVerbatim(t *testing.T) {
	c := NewConverter(0)
	path := writeTemp(t, "notes.txt", "plain text\n")

	out, err := c.ConvertFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "plain text\n", out)
}

func TestConvertFileXLSX(t *testing.T) {
	c := NewConverter(0)

	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"city", "pop"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"oslo", 700000}))
	path := filepath.Join(t.TempDir(), "cities.xlsx")
	require.NoError(t, f.SaveAs(path))

	out, err := c.ConvertFile(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, out, "## Sheet1")
	assert.Contains(t, out, "| city | pop |")
	assert.Contains(t, out, "| oslo | 700000 |")
}

func TestConvertFileUnsupported(t *testing.T) {
	c := NewConverter(0)
	path := writeTemp(t, "img.png", "not an image")

	_, err := c.ConvertFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestConvertFileMissing(t *testing.T) {
	c := NewConverter(0)
	_, err := c.ConvertFile(context.Background(), "/nonexistent/file.html")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file not found")
}

func TestConvertFileTooLarge(t *testing.T) {
	c := NewConverter(8)
	path := writeTemp(t, "big.txt", "well over eight bytes of text")

	_, err := c.ConvertFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file too large")
}

func TestConvertURIFileScheme(t *testing.T) {
	c := NewConverter(0)
	path := writeTemp(t, "notes.txt", "via uri")

	out, err := c.ConvertURI(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "via uri", out)
}

func TestConvertURIHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<h2>Remote</h2>"))
	}))
	defer srv.Close()

	c := NewConverter(0)
	out, err := c.ConvertURI(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "## Remote")
}

func TestConvertURIHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewConverter(0)
	_, err := c.ConvertURI(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestConvertURIBadScheme(t *testing.T) {
	c := NewConverter(0)
	_, err := c.ConvertURI(context.Background(), "ftp://example.com/x.html")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported URI scheme")
}

func TestInfo(t *testing.T) {
	c := NewConverter(0)
	info := c.Info()
	assert.Contains(t, info, "pdf")
	assert.Contains(t, info, "xlsx")
	assert.Contains(t, info, "Max file size: 50 MB")
}
