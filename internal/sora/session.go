package sora

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultBaseURL is the upstream origin all calls target.
const DefaultBaseURL = "https://sora.chatgpt.com"

// tokenRefreshMargin triggers a proactive refresh shortly before the
// decoded token expiry.
const tokenRefreshMargin = 60 * time.Second

var defaultHeaders = map[string]string{
	"accept":             "*/*",
	"accept-language":    "en-US,en;q=0.9",
	"sec-ch-ua":          `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
	"sec-ch-ua-mobile":   "?0",
	"sec-ch-ua-platform": `"Windows"`,
	"sec-fetch-dest":     "empty",
	"sec-fetch-mode":     "cors",
	"sec-fetch-site":     "same-origin",
	"user-agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
}

var cookieNameRegexp = regexp.MustCompile(`^[!#$%&'*+.^_` + "`" + `|~0-9A-Za-z-]+$`)

// seedCookie is one cookie parsed from an exported-credential blob.
type seedCookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// parseSeedCookies filters an exported cookie array down to valid
// chatgpt.com cookies.
func parseSeedCookies(cookiesJSON string) ([]seedCookie, error) {
	var raw []map[string]any
	if err := json.Unmarshal([]byte(cookiesJSON), &raw); err != nil {
		return nil, fmt.Errorf("parse cookies: %w", err)
	}
	var out []seedCookie
	for _, c := range raw {
		name, _ := c["name"].(string)
		value, ok := c["value"].(string)
		if name == "" || !ok || !cookieNameRegexp.MatchString(name) {
			continue
		}
		domain, _ := c["domain"].(string)
		if domain == "" {
			domain = "sora.chatgpt.com"
		}
		if !strings.Contains(domain, "chatgpt.com") {
			continue
		}
		path, _ := c["path"].(string)
		if path == "" {
			path = "/"
		}
		out = append(out, seedCookie{Name: name, Value: value, Domain: domain, Path: path})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable chatgpt.com cookies in credential")
	}
	return out, nil
}

// Session drives authenticated HTTP calls against the upstream origin
// for one credential. The bearer token is cached with its decoded
// expiry; refresh is serialized so concurrent calls never race it.
type Session struct {
	base       string
	httpClient *http.Client
	cookies    []seedCookie
	deviceID   string
	logger     zerolog.Logger

	refreshMu sync.Mutex
	token     string
	tokenExp  time.Time
}

// SessionOptions configures a Session.
type SessionOptions struct {
	BaseURL    string
	ProxyURL   string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// NewSession builds a session from an exported-cookie credential blob.
func NewSession(cookiesJSON string, opts SessionOptions) (*Session, error) {
	cookies, err := parseSeedCookies(cookiesJSON)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{}
		if opts.ProxyURL != "" {
			proxyURL, err := url.Parse(opts.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
		httpClient = &http.Client{Transport: transport, Timeout: 60 * time.Second}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}

	s := &Session{
		base:       base,
		httpClient: httpClient,
		cookies:    cookies,
		logger:     opts.Logger,
	}
	s.seedJar()
	s.deviceID = s.cookieValue("oai-did")
	if s.deviceID == "" {
		s.deviceID = uuid.NewString()
	}
	return s, nil
}

// seedJar registers the exported cookies for every host the session
// talks to. Domain cookies exported with a leading dot must also be
// visible to the sora subdomain.
func (s *Session) seedJar() {
	baseURL, err := url.Parse(s.base)
	if err != nil {
		return
	}
	hosts := map[string]struct{}{baseURL.Host: {}}
	for _, c := range s.cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host != "" {
			hosts[host] = struct{}{}
		}
	}
	for host := range hosts {
		target := &url.URL{Scheme: "https", Host: host, Path: "/"}
		var hc []*http.Cookie
		for _, c := range s.cookies {
			hc = append(hc, &http.Cookie{Name: c.Name, Value: c.Value, Path: c.Path})
		}
		s.httpClient.Jar.SetCookies(target, hc)
	}
}

func (s *Session) cookieValue(name string) string {
	for _, c := range s.cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// DeviceID returns the device identity attached to requests.
func (s *Session) DeviceID() string { return s.deviceID }

func (s *Session) ensureAccessToken(ctx context.Context) error {
	s.refreshMu.Lock()
	valid := s.token != "" && !s.tokenExp.IsZero() && time.Now().Before(s.tokenExp.Add(-tokenRefreshMargin))
	s.refreshMu.Unlock()
	if valid {
		return nil
	}
	return s.refreshAccessToken(ctx, false)
}

// refreshAccessToken fetches a fresh bearer token from the auth session
// endpoint. The mutex serializes refreshes; late arrivals re-check the
// cached token inside the lock and skip redundant work.
func (s *Session) refreshAccessToken(ctx context.Context, force bool) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if !force && s.token != "" && !s.tokenExp.IsZero() && time.Now().Before(s.tokenExp.Add(-tokenRefreshMargin)) {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/api/auth/session", nil)
	if err != nil {
		return err
	}
	s.applyBaseHeaders(req, "")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth session request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("auth session read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth_session_failed: status=%d, response=%s", resp.StatusCode, truncate(string(raw), 200))
	}
	var payload struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("auth_session_invalid_json: %w", err)
	}
	if payload.AccessToken == "" {
		return fmt.Errorf("auth_session_missing_access_token")
	}
	s.token = payload.AccessToken
	s.tokenExp = decodeJWTExpiry(payload.AccessToken)
	s.logger.Debug().Time("token_exp", s.tokenExp).Msg("sora: access token refreshed")
	return nil
}

func (s *Session) bearer() string {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.token
}

// applyBaseHeaders sets everything except the bearer token. The auth
// session call uses it directly: that endpoint authenticates by cookie
// and must not carry a stale bearer.
func (s *Session) applyBaseHeaders(req *http.Request, contentType string) {
	for k, v := range defaultHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("origin", s.base)
	req.Header.Set("referer", s.base+"/drafts")
	if contentType != "" {
		req.Header.Set("content-type", contentType)
	}
	if s.deviceID != "" {
		req.Header.Set("oai-device-id", s.deviceID)
	}
}

func (s *Session) applyHeaders(req *http.Request, contentType string) {
	s.applyBaseHeaders(req, contentType)
	if tok := s.bearer(); tok != "" {
		req.Header.Set("authorization", "Bearer "+tok)
	}
}

// do issues the request, retrying exactly once after a forced token
// refresh when the first attempt comes back unauthorized.
func (s *Session) do(ctx context.Context, method, path string, body func() (io.Reader, string), extra http.Header) (*http.Response, error) {
	if err := s.ensureAccessToken(ctx); err != nil {
		return nil, err
	}
	target := path
	if !strings.HasPrefix(path, "http") {
		target = s.base + path
	}
	attempt := func() (*http.Response, error) {
		var reader io.Reader
		var contentType string
		if body != nil {
			reader, contentType = body()
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, err
		}
		s.applyHeaders(req, contentType)
		for k, vs := range extra {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}
		return s.httpClient.Do(req)
	}
	resp, err := attempt()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		s.logger.Debug().Str("path", path).Msg("sora: unauthorized, refreshing token once")
		resp.Body.Close()
		if err := s.refreshAccessToken(ctx, true); err != nil {
			return nil, err
		}
		return attempt()
	}
	return resp, nil
}

func (s *Session) getJSON(ctx context.Context, path string) (*http.Response, error) {
	return s.do(ctx, http.MethodGet, path, nil, nil)
}

func (s *Session) postJSON(ctx context.Context, path string, payload any, extra http.Header) (*http.Response, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return s.do(ctx, http.MethodPost, path, func() (io.Reader, string) {
		return bytes.NewReader(encoded), "application/json"
	}, extra)
}

func (s *Session) postMultipart(ctx context.Context, path, field, filename string, data []byte, contentType string) (*http.Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.WriteField("file_name", filename); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	body := buf.Bytes()
	return s.do(ctx, http.MethodPost, path, func() (io.Reader, string) {
		return bytes.NewReader(body), w.FormDataContentType()
	}, nil)
}

// Probe validates a credential blob by acquiring an access token with
// it and returns the token. Used as the account pool's authentication
// probe.
func Probe(ctx context.Context, cookiesJSON string, opts SessionOptions) (string, error) {
	s, err := NewSession(cookiesJSON, opts)
	if err != nil {
		return "", err
	}
	if err := s.ensureAccessToken(ctx); err != nil {
		return "", err
	}
	return s.bearer(), nil
}

func decodeJWTExpiry(token string) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return time.Time{}
	}
	var payload struct {
		Exp float64 `json:"exp"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Exp == 0 {
		return time.Time{}
	}
	sec := int64(payload.Exp)
	return time.Unix(sec, int64((payload.Exp-float64(sec))*float64(time.Second)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
