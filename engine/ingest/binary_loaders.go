package ingest

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"

	pdflib "github.com/ledongthuc/pdf"
)

// loadPDF extracts the plain text of all pages as a single document.
func loadPDF(path string) ([]string, error) {
	f, r, err := pdflib.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: pdf open: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	reader, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("ingest: pdf text: %w", err)
	}
	if _, err := io.Copy(&b, reader); err != nil {
		return nil, fmt.Errorf("ingest: pdf read: %w", err)
	}
	return []string{b.String()}, nil
}

// loadDOCX pulls the main document part out of the zip container and strips
// its XML markup, inserting paragraph breaks at w:p boundaries.
func loadDOCX(path string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: docx open: %w", err)
	}
	defer zr.Close()

	for _, file := range zr.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("ingest: docx part: %w", err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("ingest: docx read: %w", err)
		}

		text := strings.ReplaceAll(string(raw), "</w:p>", "\n")
		text = htmlTagRe.ReplaceAllString(text, "")
		return []string{strings.TrimSpace(text)}, nil
	}
	return nil, fmt.Errorf("ingest: docx missing word/document.xml")
}
