package sharedfiles

import "testing"

func TestParseQuery_SplitsPositiveAndNegative(t *testing.T) {
	pos, neg := parseQuery(`foo -bar "baz`)
	if len(pos) != 2 || pos[0] != "foo" || pos[1] != "baz" {
		t.Fatalf("unexpected positive tokens: %v", pos)
	}
	if len(neg) != 1 || neg[0] != "bar" {
		t.Fatalf("unexpected negative tokens: %v", neg)
	}
}

func TestSanitizeToken_StripsPathAndQuoteCharacters(t *testing.T) {
	got := sanitizeToken(`a/b\c"d'e:f`)
	for _, bad := range []string{"/", "\\", "\"", "'", ":"} {
		if containsRune(got, bad) {
			t.Fatalf("sanitized token %q still contains %q", got, bad)
		}
	}
}

func containsRune(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestBuildFTSQuery_RendersPositiveAndNegativeClauses(t *testing.T) {
	q := buildFTSQuery([]string{"foo", "bar"}, []string{"baz"})
	want := `("foo" AND "bar") NOT ("baz")`
	if q != want {
		t.Fatalf("got %q, want %q", q, want)
	}
}

func TestBuildFTSQuery_PositiveOnly(t *testing.T) {
	q := buildFTSQuery([]string{"foo"}, nil)
	if q != `("foo")` {
		t.Fatalf("got %q", q)
	}
}
