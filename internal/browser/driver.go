// Package browser owns exactly one authenticated browser conversation
// with the chat frontend. It is the only component in the system that
// performs network I/O through an embedded browser.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"claudegate/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Selectors for the chat frontend. Kept in one place: when the page
// markup changes, this is the only file that needs to move.
const (
	selectorPromptInput = `div[contenteditable="true"]`
	selectorSendButton  = `button[aria-label="Send message"]`
)

// Driver drives one browser automation session scoped to a single
// authenticated conversation. Send reuses the existing conversation
// page; it never recreates the session per call.
type Driver struct {
	cfg   *config.Config
	creds config.CredentialSet
	log   *zap.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	closed   bool
}

// NewDriver builds a driver. No browser process is started until
// Initialize.
func NewDriver(cfg *config.Config, creds config.CredentialSet, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{cfg: cfg, creds: creds, log: log}
}

// Initialize launches the browser, injects the session credentials as
// cookies, and opens a fresh conversation page. The whole sequence is
// bounded by the configured session-init timeout; on any failure every
// partially acquired resource is released before returning.
func (d *Driver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("driver already closed")
	}
	if d.page != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.SessionInitTimeout())
	defer cancel()

	l := launcher.New().Headless(d.cfg.Browser.Headless)
	if d.cfg.Browser.Bin != "" {
		l = l.Bin(d.cfg.Browser.Bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect to browser: %w", err)
	}

	if err := browser.SetCookies(d.sessionCookies()); err != nil {
		_ = browser.Close()
		l.Kill()
		return fmt.Errorf("set session cookies: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: d.cfg.Browser.ChatURL + "/new"})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return fmt.Errorf("open conversation page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             d.cfg.Browser.ViewportWidth,
		Height:            d.cfg.Browser.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		d.log.Warn("failed to set viewport", zap.Error(err))
	}

	if err := page.Context(ctx).WaitLoad(); err != nil {
		_ = page.Close()
		_ = browser.Close()
		l.Kill()
		return fmt.Errorf("wait for conversation page: %w", err)
	}

	d.launcher = l
	d.browser = browser
	d.page = page
	d.log.Info("browser session established",
		zap.String("chat_url", d.cfg.Browser.ChatURL),
		zap.Bool("headless", d.cfg.Browser.Headless))
	return nil
}

// Send submits one prompt to the conversation and waits for the reply
// to finish streaming. A pacing delay runs before every request;
// requests over this path are deliberately rate shaped.
func (d *Driver) Send(ctx context.Context, prompt string) (string, error) {
	d.mu.Lock()
	page := d.page
	d.mu.Unlock()
	if page == nil {
		return "", errors.New("driver not initialized")
	}

	if err := d.pace(ctx); err != nil {
		return "", err
	}

	p := page.Context(ctx).Timeout(d.cfg.NavigationTimeout())

	before, err := d.messageCount(p)
	if err != nil {
		return "", fmt.Errorf("inspect conversation: %w", err)
	}

	input, err := p.Element(selectorPromptInput)
	if err != nil {
		return "", fmt.Errorf("prompt input not found: %w", err)
	}
	if err := input.Input(prompt); err != nil {
		return "", fmt.Errorf("type prompt: %w", err)
	}

	send, err := p.Element(selectorSendButton)
	if err != nil {
		return "", fmt.Errorf("send button not found: %w", err)
	}
	if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return "", fmt.Errorf("click send: %w", err)
	}

	return d.awaitReply(p, before)
}

// Probe is a cheap liveness check of the established session: the page
// must still be attached and fully loaded. Distinct from a production
// request; it sends nothing to the model.
func (d *Driver) Probe(ctx context.Context) error {
	d.mu.Lock()
	page := d.page
	d.mu.Unlock()
	if page == nil {
		return errors.New("driver not initialized")
	}

	res, err := page.Context(ctx).Timeout(d.cfg.NavigationTimeout()).
		Eval(`() => document.readyState`)
	if err != nil {
		return fmt.Errorf("probe page: %w", err)
	}
	state := res.Value.Str()
	if state != "complete" && state != "interactive" {
		return fmt.Errorf("page not ready: %s", state)
	}
	return nil
}

// Close releases the page, the browser, and the launched process. Safe
// to call multiple times and on partially initialized drivers.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var err error
	if d.page != nil {
		_ = d.page.Close()
		d.page = nil
	}
	if d.browser != nil {
		err = d.browser.Close()
		d.browser = nil
	}
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher = nil
	}
	return err
}

// pace sleeps for a random duration in the configured range, bailing
// early if the context is cancelled.
func (d *Driver) pace(ctx context.Context) error {
	min, max := d.cfg.Browser.PacingMinMs, d.cfg.Browser.PacingMaxMs
	if max <= 0 || max < min {
		return nil
	}
	span := max - min
	delay := time.Duration(min) * time.Millisecond
	if span > 0 {
		delay += time.Duration(rand.Intn(span+1)) * time.Millisecond
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// messageCount returns how many messages the conversation currently
// shows, so awaitReply can tell a new reply from an old one.
func (d *Driver) messageCount(p *rod.Page) (int, error) {
	res, err := p.Eval(`() => document.querySelectorAll('div[data-is-streaming]').length`)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

// awaitReply blocks until a new message appears and finishes streaming,
// then extracts its text.
func (d *Driver) awaitReply(p *rod.Page, before int) (string, error) {
	waitJS := fmt.Sprintf(`() => {
		const msgs = document.querySelectorAll('div[data-is-streaming]');
		if (msgs.length <= %d) return false;
		const last = msgs[msgs.length - 1];
		return last.getAttribute('data-is-streaming') === 'false';
	}`, before)

	if err := p.Wait(rod.Eval(waitJS)); err != nil {
		return "", fmt.Errorf("wait for reply: %w", err)
	}

	res, err := p.Eval(`() => {
		const msgs = document.querySelectorAll('div[data-is-streaming]');
		return msgs.length ? msgs[msgs.length - 1].innerText : '';
	}`)
	if err != nil {
		return "", fmt.Errorf("extract reply: %w", err)
	}
	return res.Value.Str(), nil
}

// sessionCookies maps the credential set onto the cookies the chat
// frontend expects for an authenticated session.
func (d *Driver) sessionCookies() []*proto.NetworkCookieParam {
	domain := cookieDomain(d.cfg.Browser.ChatURL)
	expires := proto.TimeSinceEpoch(time.Now().Add(30 * 24 * time.Hour).Unix())

	cookies := []*proto.NetworkCookieParam{
		{
			Name:     "sessionKey",
			Value:    d.creds.SessionKey,
			Domain:   domain,
			Path:     "/",
			HTTPOnly: true,
			Secure:   true,
			Expires:  expires,
		},
		{
			Name:    "lastActiveOrg",
			Value:   d.creds.OrgID,
			Domain:  domain,
			Path:    "/",
			Secure:  true,
			Expires: expires,
		},
	}
	if d.creds.UserID != "" {
		cookies = append(cookies, &proto.NetworkCookieParam{
			Name:    "ajs_user_id",
			Value:   d.creds.UserID,
			Domain:  domain,
			Path:    "/",
			Secure:  true,
			Expires: expires,
		})
	}
	return cookies
}

func cookieDomain(chatURL string) string {
	u, err := url.Parse(chatURL)
	if err != nil || u.Host == "" {
		return ".claude.ai"
	}
	host := u.Hostname()
	host = strings.TrimPrefix(host, "www.")
	return "." + host
}
