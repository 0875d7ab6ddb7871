package accounts

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type canonicalCookie struct {
	Domain string `json:"domain"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Value  string `json:"value"`
}

// CanonicalizeCookies reduces an exported-cookie JSON array to a
// deterministic form for equality checks: only name, value, domain and
// path are kept, domain and path are lowercased, entries are sorted by
// (domain, path, name) and serialized without whitespace. Two exports
// of the same account that differ only in ordering or casing
// canonicalize identically.
func CanonicalizeCookies(cookiesJSON string) (string, error) {
	var raw []map[string]any
	if err := json.Unmarshal([]byte(cookiesJSON), &raw); err != nil {
		return "", fmt.Errorf("cookies must be a JSON array: %w", err)
	}
	norm := make([]canonicalCookie, 0, len(raw))
	for _, c := range raw {
		name, okName := c["name"].(string)
		value, okValue := c["value"].(string)
		if !okName || !okValue || name == "" {
			continue
		}
		domain, _ := c["domain"].(string)
		path, _ := c["path"].(string)
		if path == "" {
			path = "/"
		}
		norm = append(norm, canonicalCookie{
			Domain: strings.ToLower(domain),
			Path:   strings.ToLower(path),
			Name:   name,
			Value:  value,
		})
	}
	sort.Slice(norm, func(i, j int) bool {
		a, b := norm[i], norm[j]
		if a.Domain != b.Domain {
			return a.Domain < b.Domain
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Name < b.Name
	})
	out, err := json.Marshal(norm)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// cookieHashKey builds the fallback account key from the canonical
// cookie form.
func cookieHashKey(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return "cookiehash:" + hex.EncodeToString(sum[:])
}

// deriveAccountKey extracts a stable identity from a JWT access token,
// preferring an email claim, then generic user/subject identifiers.
// Returns "" when nothing usable decodes.
func deriveAccountKey(token string) string {
	payload := decodeJWTPayload(token)
	if payload == nil {
		return ""
	}
	for _, claim := range []string{"email", "user_id", "userId", "sub", "uid"} {
		v, ok := payload[claim].(string)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if claim == "email" {
			return strings.ToLower(v)
		}
		return v
	}
	return ""
}

func decodeJWTPayload(token string) map[string]any {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	return payload
}
