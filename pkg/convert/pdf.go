package convert

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

func convertPDF(filePath string) (string, error) {
	f, r, err := pdf.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}

		fonts := make(map[string]*pdf.Font)
		for _, name := range p.Fonts() {
			font := p.Font(name)
			fonts[name] = &font
		}

		text, err := p.GetPlainText(fonts)
		if err != nil {
			// skip pages the extractor cannot decode
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}

	if len(pages) == 0 {
		return "", fmt.Errorf("no extractable text in %s", filePath)
	}
	return strings.Join(pages, "\n\n---\n\n"), nil
}
