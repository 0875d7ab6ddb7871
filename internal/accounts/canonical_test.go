package accounts

import (
	"strings"
	"testing"
)

func TestCanonicalizeCookiesOrderAndCaseInsensitive(t *testing.T) {
	a := `[{"name":"b","value":"2","domain":".ChatGPT.com","path":"/"},{"name":"a","value":"1","domain":".chatgpt.com","path":"/App"}]`
	b := `[{"name":"a","value":"1","domain":".chatgpt.com","path":"/app"},{"name":"b","value":"2","domain":".chatgpt.com","path":"/"}]`

	ca, err := CanonicalizeCookies(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := CanonicalizeCookies(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if ca != cb {
		t.Fatalf("canonical forms differ:\n%s\n%s", ca, cb)
	}
}

func TestCanonicalizeCookiesPreservesValueCase(t *testing.T) {
	a := `[{"name":"sid","value":"AbC","domain":".chatgpt.com","path":"/"}]`
	b := `[{"name":"sid","value":"abc","domain":".chatgpt.com","path":"/"}]`
	ca, _ := CanonicalizeCookies(a)
	cb, _ := CanonicalizeCookies(b)
	if ca == cb {
		t.Fatalf("values with different case must not canonicalize identically")
	}
}

func TestCanonicalizeCookiesRejectsNonArray(t *testing.T) {
	if _, err := CanonicalizeCookies(`{"name":"sid"}`); err == nil {
		t.Fatalf("expected error for non-array input")
	}
}

func TestCanonicalizeCookiesSkipsMalformedEntries(t *testing.T) {
	in := `[{"value":"no-name"},{"name":"ok","value":"1","domain":"x","path":"/"}]`
	out, err := CanonicalizeCookies(in)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if strings.Count(out, `"name"`) != 1 {
		t.Fatalf("expected exactly one cookie kept, got %s", out)
	}
}

func TestDeriveAccountKeyClaimPreference(t *testing.T) {
	cases := []struct {
		claims map[string]any
		want   string
	}{
		{map[string]any{"email": "User@Example.com", "sub": "xyz"}, "user@example.com"},
		{map[string]any{"user_id": "u-1", "sub": "xyz"}, "u-1"},
		{map[string]any{"sub": "xyz"}, "xyz"},
		{map[string]any{"iat": 1}, ""},
	}
	for _, tc := range cases {
		token := mustJWT(t, tc.claims)
		if got := deriveAccountKey(token); got != tc.want {
			t.Fatalf("deriveAccountKey(%v) = %q, want %q", tc.claims, got, tc.want)
		}
	}
	if got := deriveAccountKey("not-a-jwt"); got != "" {
		t.Fatalf("deriveAccountKey(non-jwt) = %q, want empty", got)
	}
}

func mustJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	return jwtWith(t, claims)
}
