package lexical

import (
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// luceneSpecial matches characters with meaning in Lucene query syntax.
var luceneSpecial = regexp.MustCompile(`[+\-&|!(){}\[\]^"~*?:\\/]`)

// fieldRe restricts filterable property names to identifier characters, so
// caller-supplied filter keys can never splice into the cypher text.
var fieldRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// luceneQuery escapes user text and appends a trailing wildcard to the last
// term for fuzzy-prefix matching.
func luceneQuery(query string) string {
	escaped := luceneSpecial.ReplaceAllString(query, " ")
	terms := strings.Fields(escaped)
	if len(terms) == 0 {
		return ""
	}
	terms[len(terms)-1] += "*"
	return strings.Join(terms, " ")
}

// safeField returns the field name if it is a plain identifier, else a
// placeholder that matches nothing.
func safeField(field string) string {
	if fieldRe.MatchString(field) {
		return field
	}
	return "_invalid_filter_field"
}

// andClauses renders WHERE fragments as " AND a AND b".
func andClauses(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " AND " + strings.Join(clauses, " AND ")
}

// docFromNode converts a chunk node plus score into a Doc, extracting
// highlight fragments around the query terms.
func docFromNode(node neo4j.Node, score float64, query string) Doc {
	doc := Doc{BM25Score: score, Meta: make(map[string]any)}
	for k, v := range node.Props {
		switch k {
		case "content":
			doc.Content, _ = v.(string)
		case "source":
			doc.Source, _ = v.(string)
		case "namespace":
			doc.Namespace, _ = v.(string)
		case "content_hash":
			doc.ContentHash, _ = v.(string)
		}
		doc.Meta[k] = v
	}
	doc.Highlights = fragments(doc.Content, query)
	return doc
}

// fragments returns up to three ~80-char windows around term matches.
func fragments(content, query string) []string {
	lower := strings.ToLower(content)
	var out []string
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if len(out) >= 3 || len(term) < 3 {
			continue
		}
		idx := strings.Index(lower, term)
		if idx < 0 {
			continue
		}
		start := max(0, idx-30)
		end := min(len(content), idx+len(term)+50)
		out = append(out, strings.TrimSpace(content[start:end]))
	}
	return out
}
