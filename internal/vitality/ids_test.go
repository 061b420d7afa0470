package vitality

import "testing"

func TestCanonicalIDEquivalences(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"a1", "A1"},
		{" a-1 ", "A1"},
		{"A—1", "A1"},
		{"A–1", "A1"},
		{"\"A1\"", "A1"},
		{"'a 1'", "A1"},
		{"‘table—7’", "TABLE7"},
		{"a b", "AB"},
		{"  ", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CanonicalID(tc.raw); got != tc.want {
			t.Fatalf("CanonicalID(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestCanonicalIDIdempotent(t *testing.T) {
	inputs := []string{" a-1 ", "A1", "A—1", "\"quoted id\"", "mixed Case X-9"}
	for _, raw := range inputs {
		once := CanonicalID(raw)
		twice := CanonicalID(once)
		if once != twice {
			t.Fatalf("CanonicalID not idempotent for %q: %q then %q", raw, once, twice)
		}
	}
}
