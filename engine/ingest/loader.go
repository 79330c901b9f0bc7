package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// SupportedExtensions is the loader dispatch table's domain.
var SupportedExtensions = map[string]bool{
	".pdf": true, ".txt": true, ".csv": true, ".json": true,
	".md": true, ".html": true, ".docx": true,
}

// LoadFile dispatches by extension to a format-specific loader. One file may
// yield several documents (CSV rows, JSON array items).
func LoadFile(path string, docType string, metadata map[string]any, now time.Time) ([]Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !SupportedExtensions[ext] {
		return nil, fmt.Errorf("ingest: unsupported file type %q", ext)
	}

	var (
		contents []string
		err      error
	)
	switch ext {
	case ".txt", ".md":
		contents, err = loadPlain(path)
	case ".csv":
		contents, err = loadCSV(path)
	case ".json":
		contents, err = loadJSON(path)
	case ".html":
		contents, err = loadHTML(path)
	case ".pdf":
		contents, err = loadPDF(path)
	case ".docx":
		contents, err = loadDOCX(path)
	}
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(contents))
	for _, content := range contents {
		if strings.TrimSpace(content) == "" {
			continue
		}
		docs = append(docs, Document{
			Source:     path,
			FileType:   ext,
			DocType:    docType,
			Content:    content,
			IngestedAt: now,
			Metadata:   metadata,
		})
	}
	return docs, nil
}

// LoadDir loads every supported file matching the glob under dir.
// Per-file errors are returned alongside the documents that did load.
func LoadDir(dir, glob string, docType string, metadata map[string]any, now time.Time) ([]Document, []error) {
	if glob == "" {
		glob = "*"
	}
	matches, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		return nil, []error{fmt.Errorf("ingest: bad glob %q: %w", glob, err)}
	}

	var docs []Document
	var errs []error
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if !SupportedExtensions[strings.ToLower(filepath.Ext(path))] {
			continue
		}
		loaded, err := LoadFile(path, docType, metadata, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		docs = append(docs, loaded...)
	}
	return docs, errs
}

func loadPlain(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []string{string(raw)}, nil
}

// loadCSV renders each row as "header: value" lines, one document per row.
func loadCSV(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("ingest: csv parse: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	header := rows[0]
	out := make([]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		var b strings.Builder
		for i, cell := range row {
			if i < len(header) {
				fmt.Fprintf(&b, "%s: %s\n", header[i], cell)
			}
		}
		out = append(out, b.String())
	}
	return out, nil
}

// loadJSON yields one document per array element, or one for an object.
func loadJSON(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var asList []json.RawMessage
	if err := json.Unmarshal(raw, &asList); err == nil {
		out := make([]string, 0, len(asList))
		for _, item := range asList {
			out = append(out, prettyJSON(item))
		}
		return out, nil
	}

	var asObj json.RawMessage
	if err := json.Unmarshal(raw, &asObj); err != nil {
		return nil, fmt.Errorf("ingest: json parse: %w", err)
	}
	return []string{prettyJSON(asObj)}, nil
}

func prettyJSON(raw json.RawMessage) string {
	var buf strings.Builder
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return string(raw)
	}
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if enc.Encode(v) != nil {
		return string(raw)
	}
	return buf.String()
}

var (
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlScriptRe = regexp.MustCompile(`(?is)<(script|style).*?</(script|style)>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

func loadHTML(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := htmlScriptRe.ReplaceAllString(string(raw), "")
	text = htmlTagRe.ReplaceAllString(text, "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return []string{strings.TrimSpace(text)}, nil
}
