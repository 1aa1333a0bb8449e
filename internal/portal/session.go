package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"atapbridge/internal/store"
)

// maxResponseBody bounds how much of a portal page we read. The portal's
// pages are small; anything past this is not something we scrape.
const maxResponseBody = 2 << 20

// SessionConfig configures one authenticated portal conversation.
type SessionConfig struct {
	BaseURL   string
	UserAgent string
	SessionID string
	Timeout   time.Duration
}

// Response is one portal exchange as seen by the adapter: status, headers
// and the body already drained into memory. Redirects are not followed; the
// Location header is part of the protocol (it carries new resource ids).
type Response struct {
	Status int
	Header http.Header
	Body   string
	URL    string
}

// Location returns the redirect target, empty when there is none.
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// IsRedirect reports whether the response is a 3xx.
func (r *Response) IsRedirect() bool {
	return r.Status >= 300 && r.Status < 400
}

// Client owns one authenticated HTTP conversation with the portal. The
// portal rotates the CSRF token on every page load and may rotate cookies
// with it, so the read-token → issue-request → absorb-response sequence is
// one critical section: all requests on a client serialize on mu. Callers
// wanting parallelism run one client per session identity.
type Client struct {
	cfg    SessionConfig
	base   *url.URL
	http   *http.Client
	store  store.Store
	logger *zap.Logger

	mu     sync.Mutex
	token  string
	state  *store.State
	opened bool
}

// NewClient builds a client around the given store. logger may be nil.
func NewClient(cfg SessionConfig, st store.Store, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "default"
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{
			Jar:     jar,
			Timeout: timeout,
			// The adapter inspects redirects itself: a 302 Location is
			// how the portal communicates new resource ids.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store:  st,
		logger: logger.With(zap.String("session", cfg.SessionID)),
		state:  &store.State{},
	}, nil
}

// Open restores persisted cookie/token state if present, otherwise seeds a
// fresh session with an unauthenticated GET of the portal root. Idempotent.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened {
		return nil
	}
	if err := c.restoreLocked(); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		c.logger.Info("no persisted session, seeding fresh")
		if _, err := c.doLocked(ctx, http.MethodGet, "/", nil); err != nil {
			return err
		}
	}
	c.opened = true
	return nil
}

// restoreLocked loads the persisted blob into the jar and token cache.
func (c *Client) restoreLocked() error {
	state, err := c.store.Load(c.cfg.SessionID)
	if err != nil {
		return err
	}
	c.state = state
	c.token = state.Token
	c.http.Jar.SetCookies(c.base, state.HTTPCookies())
	c.logger.Info("restored session state",
		zap.Int("cookies", len(state.Cookies)),
		zap.Bool("has_token", state.Token != ""))
	return nil
}

// Token returns the most recently observed CSRF token. Empty until a page
// carrying one has been fetched.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Get fetches a portal page. Expired sessions get one reload-and-retry pass
// before ErrSessionExpired surfaces.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchangeLocked(ctx, http.MethodGet, path, nil)
}

// PostForm submits a form body. The body is expected to carry the
// duplicated token entries already (the encoder owns that rule); the
// current token additionally rides in the X-CSRF-TOKEN header the way the
// portal's own JavaScript sends it.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchangeLocked(ctx, http.MethodPost, path, form)
}

// Submit fetches getPath and posts the form built from that page to postPath
// as one critical section. The portal rotates the token per page load, so the
// token handed to build is guaranteed to be the one the submission carries
// even when other operations run against the same client.
func (c *Client) Submit(ctx context.Context, getPath, postPath string, build func(page *Response, token string) (url.Values, error)) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page, err := c.exchangeLocked(ctx, http.MethodGet, getPath, nil)
	if err != nil {
		return nil, err
	}
	if c.token == "" {
		return nil, ErrTokenNotFound
	}
	form, err := build(page, c.token)
	if err != nil {
		return nil, err
	}
	return c.exchangeLocked(ctx, http.MethodPost, postPath, form)
}

// exchangeLocked runs one request and, when the portal signals an expired
// session, makes a single re-authentication attempt: the persisted blob is
// reloaded (an operator may have dropped in fresh cookies) and the request
// is reissued once.
func (c *Client) exchangeLocked(ctx context.Context, method, path string, form url.Values) (*Response, error) {
	resp, err := c.doLocked(ctx, method, path, form)
	if err != nil {
		return nil, err
	}
	if !c.expired(resp) {
		return c.classify(resp)
	}

	c.logger.Warn("session expired, attempting re-authentication",
		zap.Int("status", resp.Status))
	if err := c.restoreLocked(); err != nil {
		return nil, ErrSessionExpired
	}
	resp, err = c.doLocked(ctx, method, path, form)
	if err != nil {
		return nil, err
	}
	if c.expired(resp) {
		return nil, ErrSessionExpired
	}
	return c.classify(resp)
}

// expired recognizes the portal's ways of saying the session is gone: a
// 401/419, a redirect to the login page, or the login page itself.
func (c *Client) expired(resp *Response) bool {
	if resp.Status == http.StatusUnauthorized || resp.Status == 419 {
		return true
	}
	if resp.IsRedirect() && strings.Contains(resp.Location(), "/login") {
		return true
	}
	return resp.Status == http.StatusOK && IsLoginPage(resp.Body)
}

// classify turns non-2xx/3xx responses into the typed failure set. 409 maps
// to the ambiguity error untouched; the adapter fills in the context.
func (c *Client) classify(resp *Response) (*Response, error) {
	switch {
	case resp.Status >= 200 && resp.Status < 400:
		return resp, nil
	case resp.Status == http.StatusConflict:
		return nil, &AmbiguousError{}
	case resp.Status == http.StatusNotFound:
		return nil, &NotFoundError{}
	case resp.Status >= 400 && resp.Status < 500:
		if fields := ValidationErrors(resp.Body); len(fields) > 0 {
			return nil, &ValidationError{Fields: fields}
		}
		return nil, NewStatusError(resp.Status, resp.URL, []byte(resp.Body))
	default:
		return nil, NewStatusError(resp.Status, resp.URL, []byte(resp.Body))
	}
}

// doLocked issues one HTTP exchange and absorbs its side effects: rotated
// cookies into the jar and persisted state, a rotated token into the cache.
// Callers hold mu.
func (c *Client) doLocked(ctx context.Context, method, path string, form url.Values) (*Response, error) {
	target := c.base.ResolveReference(&url.URL{Path: path}).String()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Referer", target)
		if c.token != "" {
			req.Header.Set("X-CSRF-TOKEN", c.token)
		}
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method, URL: target, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransportError{Op: method, URL: target, Err: err}
	}

	resp := &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   string(raw),
		URL:    target,
	}
	c.absorbLocked(httpResp, resp)
	return resp, nil
}

// absorbLocked updates the token cache from the response body, folds any
// Set-Cookie headers into the persisted state, and rewrites the blob. The
// in-memory token must always be the most recently observed one; a stale
// token is a guaranteed write failure.
func (c *Client) absorbLocked(httpResp *http.Response, resp *Response) {
	if token, err := Token(resp.Body); err == nil {
		if token != c.token {
			c.logger.Debug("csrf token rotated")
		}
		c.token = token
	}

	if cookies := httpResp.Cookies(); len(cookies) > 0 {
		c.mergeCookiesLocked(cookies)
	}

	// An expired response must not rewrite the persisted blob: the blob may
	// hold fresher cookies dropped in by an operator, and the re-auth pass
	// is about to reload exactly that.
	if c.expired(resp) {
		return
	}

	c.state.Token = c.token
	if err := c.store.Save(c.cfg.SessionID, c.state); err != nil {
		c.logger.Warn("persist session state failed", zap.Error(err))
	}
}

// mergeCookiesLocked folds Set-Cookie values into the persisted cookie set,
// replacing by name. The jar already saw them via http.Client.
func (c *Client) mergeCookiesLocked(cookies []*http.Cookie) {
	for _, nc := range cookies {
		replaced := false
		for i, old := range c.state.Cookies {
			if old.Name == nc.Name {
				c.state.Cookies[i] = store.Cookie{
					Name:     nc.Name,
					Value:    nc.Value,
					Domain:   nonEmpty(nc.Domain, old.Domain),
					Path:     nonEmpty(nc.Path, old.Path),
					Expires:  nc.Expires,
					Secure:   nc.Secure,
					HTTPOnly: nc.HttpOnly,
				}
				replaced = true
				break
			}
		}
		if !replaced {
			c.state.Cookies = append(c.state.Cookies, store.Cookie{
				Name:     nc.Name,
				Value:    nc.Value,
				Domain:   nc.Domain,
				Path:     nc.Path,
				Expires:  nc.Expires,
				Secure:   nc.Secure,
				HTTPOnly: nc.HttpOnly,
			})
		}
	}
}

func nonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
