package lexical

import (
	"strings"
	"testing"
)

func TestLuceneQueryEscapesAndWildcards(t *testing.T) {
	got := luceneQuery(`brake "pads" AND/OR stuff`)
	if strings.ContainsAny(got, `"/\`) {
		t.Fatalf("special characters survived: %q", got)
	}
	if !strings.HasSuffix(got, "*") {
		t.Fatalf("expected trailing wildcard: %q", got)
	}
}

func TestLuceneQueryEmpty(t *testing.T) {
	if got := luceneQuery("  ~~  "); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestSafeFieldRejectsInjection(t *testing.T) {
	if safeField("price") != "price" {
		t.Fatal("plain identifier rejected")
	}
	if safeField("price = 1 OR true //") == "price = 1 OR true //" {
		t.Fatal("unsafe field passed through")
	}
}

func TestAndClauses(t *testing.T) {
	if andClauses(nil) != "" {
		t.Fatal("no clauses should render empty")
	}
	got := andClauses([]string{"a", "b"})
	if got != " AND a AND b" {
		t.Fatalf("got %q", got)
	}
}

func TestFragments(t *testing.T) {
	content := "The 2024 Toyota Camry LE is priced at $28,000 and comes in silver with lane keep assist."
	frags := fragments(content, "camry assist")
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d: %v", len(frags), frags)
	}
	if !strings.Contains(strings.ToLower(frags[0]), "camry") {
		t.Fatalf("fragment misses term: %q", frags[0])
	}
}

func TestFragmentsNoMatch(t *testing.T) {
	if frags := fragments("nothing relevant here", "zebra"); len(frags) != 0 {
		t.Fatalf("expected none, got %v", frags)
	}
}
