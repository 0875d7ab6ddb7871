package sora

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

const (
	sentinelHeader     = "OpenAI-Sentinel-Token"
	sentinelCreateFlow = "sora_2_create_task"
	sentinelSDKScript  = "https://chatgpt.com/sentinel/97790f37/sdk.js"
	sentinelMintWindow = 90 * time.Second
)

// SentinelMinter produces an anti-automation token for a protected
// flow on behalf of a session. Implementations may be swapped out in
// tests.
type SentinelMinter interface {
	Mint(ctx context.Context, s *Session, flow string) (string, error)
}

// BrowserMinter mints sentinel tokens by loading the real web app in a
// headless browser seeded with the session's cookies and asking the
// in-page SDK for a token.
type BrowserMinter struct {
	baseURL  string
	proxyURL string
	logger   zerolog.Logger
}

// NewBrowserMinter builds a minter for one upstream origin.
func NewBrowserMinter(baseURL, proxyURL string, logger zerolog.Logger) *BrowserMinter {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &BrowserMinter{baseURL: base, proxyURL: proxyURL, logger: logger}
}

// Mint runs the browser flow with the session's cookies and device
// identity stamped into the token payload.
func (m *BrowserMinter) Mint(ctx context.Context, s *Session, flow string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sentinelMintWindow)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(defaultHeaders["user-agent"]),
	)
	if m.proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(m.proxyURL))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	seed := chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range s.cookies {
			domain := strings.TrimPrefix(c.Domain, ".")
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(domain).
				WithPath(c.Path).
				WithSecure(true).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("seed cookie %s: %w", c.Name, err)
			}
		}
		if s.cookieValue("oai-did") == "" && s.deviceID != "" {
			err := network.SetCookie("oai-did", s.deviceID).
				WithDomain("chatgpt.com").
				WithPath("/").
				WithSecure(true).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("seed device cookie: %w", err)
			}
		}
		return nil
	})

	var sdkReady bool
	var rawToken string
	err := chromedp.Run(browserCtx,
		network.Enable(),
		seed,
		chromedp.Navigate(m.baseURL+"/profile"),
		chromedp.Poll(
			`typeof window.SentinelSDK !== "undefined" && typeof window.SentinelSDK.token === "function"`,
			&sdkReady,
			chromedp.WithPollingTimeout(20*time.Second),
		),
	)
	if err != nil || !sdkReady {
		// The app did not expose the SDK; inject it from the known
		// script URL and wait again.
		m.logger.Debug().Err(err).Msg("sora: sentinel sdk not present, injecting script")
		inject := fmt.Sprintf(`new Promise((resolve, reject) => {
			const el = document.createElement("script");
			el.src = %q;
			el.onload = () => resolve(true);
			el.onerror = () => reject(new Error("sdk load failed"));
			document.head.appendChild(el);
		})`, sentinelSDKScript)
		var loaded bool
		err = chromedp.Run(browserCtx,
			chromedp.Evaluate(inject, &loaded, func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
				return p.WithAwaitPromise(true)
			}),
			chromedp.Poll(
				`typeof window.SentinelSDK !== "undefined" && typeof window.SentinelSDK.token === "function"`,
				&sdkReady,
				chromedp.WithPollingTimeout(20*time.Second),
			),
		)
		if err != nil {
			return "", fmt.Errorf("sentinel sdk unavailable: %w", err)
		}
	}

	mint := fmt.Sprintf(`window.SentinelSDK.token(%q)`, flow)
	err = chromedp.Run(browserCtx,
		chromedp.Evaluate(mint, &rawToken, func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("sentinel token mint: %w", err)
	}
	if rawToken == "" {
		return "", fmt.Errorf("sentinel token mint: empty token")
	}
	return stampSentinelToken(rawToken, flow, s.deviceID), nil
}

// stampSentinelToken ensures the flow and device identity are present
// in the token payload when it is JSON. Opaque tokens pass through.
func stampSentinelToken(raw, flow, deviceID string) string {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return raw
	}
	if _, ok := payload["flow"]; !ok {
		payload["flow"] = flow
	}
	if deviceID != "" {
		if _, ok := payload["id"]; !ok {
			payload["id"] = deviceID
		}
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return raw
	}
	return string(out)
}
