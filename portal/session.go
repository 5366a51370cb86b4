// CLAUDE:SUMMARY Rod-driven portal session: login, listing fetch with filters and scroll, row opening, slot choice, multipart upload with session cookies, finalisation.
// Package portal drives the cooperative's web portal through one
// authenticated Chrome tab. It is the live ledger.Source and upload.Portal
// of a batch run.
//
// Every wait is an explicit readiness predicate polled with a bound;
// optional elements (the advert overlay) are probed without waiting.
package portal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/claimsync/claim"
	"github.com/hazyhaar/claimsync/connectivity"
	"github.com/hazyhaar/claimsync/ledger"
	"github.com/hazyhaar/claimsync/upload"
	"github.com/hazyhaar/claimsync/wait"
)

// Session is one browser session on the portal. Not safe for concurrent
// use: the upload protocol depends on the tab's navigation state.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	browser *browser
	page    *rod.Page
	http    *http.Client
}

// New returns a Session; call Start before anything else.
func New(cfg Config, logger *slog.Logger) *Session {
	cfg.Defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:     cfg,
		logger:  logger,
		browser: &browser{cfg: cfg.Browser, logger: logger},
		http:    &http.Client{},
	}
}

var (
	_ ledger.Source = (*Session)(nil)
	_ upload.Portal = (*Session)(nil)
)

// Start opens the browser tab.
func (s *Session) Start(ctx context.Context) error {
	page, err := s.browser.start(ctx)
	if err != nil {
		return fatalErr("start browser", err)
	}
	s.page = page
	return nil
}

// Close shuts the browser down.
func (s *Session) Close() error {
	s.browser.close()
	s.page = nil
	return nil
}

// Login authenticates and opens the batch generation area. Any failure is
// fatal to the run.
func (s *Session) Login(ctx context.Context) error {
	sel := s.cfg.Selectors
	if err := s.navigate(ctx, s.cfg.LoginURL); err != nil {
		return fatalErr("open login page", err)
	}

	for _, f := range []struct{ what, sel, value string }{
		{"cpf field", sel.CPF, s.cfg.CPF},
		{"code field", sel.Code, s.cfg.Code},
		{"password field", sel.Password, s.cfg.Password},
	} {
		el, err := s.await(ctx, f.what, f.sel, false)
		if err != nil {
			return fatalErr("login form", err)
		}
		if err := el.Input(f.value); err != nil {
			return fatalErr("fill "+f.what, err)
		}
	}

	btn, err := s.await(ctx, "login button", sel.LoginButtonX, true)
	if err != nil {
		return fatalErr("login form", err)
	}
	if err := s.click(btn); err != nil {
		return fatalErr("submit login", err)
	}

	// The CPF field disappears once the portal accepts the credentials.
	err = wait.Until(ctx, s.waitOpts("login accepted", s.cfg.NavigationTimeout), func(context.Context) (bool, error) {
		has, _, err := s.page.Has(sel.CPF)
		return err == nil && !has, nil
	})
	if err != nil {
		return fatalErr("login rejected", err)
	}

	if err := s.dismissOverlay(ctx); err != nil {
		s.logger.WarnContext(ctx, "portal: overlay dismissal failed", "error", err)
	}

	for _, m := range []struct{ what, xpath string }{
		{"production menu", sel.MenuX},
		{"batch generation entry", sel.MenuBatchX},
	} {
		el, err := s.await(ctx, m.what, m.xpath, true)
		if err != nil {
			return fatalErr("open batch generation", err)
		}
		if err := s.click(el); err != nil {
			return fatalErr("click "+m.what, err)
		}
	}
	if err := s.page.Context(ctx).Timeout(s.cfg.NavigationTimeout).WaitLoad(); err != nil {
		return fatalErr("load batch generation", err)
	}

	s.logger.InfoContext(ctx, "portal: logged in")
	return nil
}

// dismissOverlay closes the advert overlay when present. Absence is normal.
func (s *Session) dismissOverlay(ctx context.Context) error {
	found, el, err := s.page.Context(ctx).HasX(s.cfg.Selectors.OverlayX)
	if err != nil || !found {
		return err
	}
	s.logger.DebugContext(ctx, "portal: closing overlay")
	return s.click(el)
}

// Rows loads the listing for w and returns every row, after scrolling a
// virtualized table to its end. Failing to reach the listing is fatal.
func (s *Session) Rows(ctx context.Context, w ledger.Window) ([]ledger.Row, error) {
	sel := s.cfg.Selectors
	if err := s.navigate(ctx, s.cfg.SearchURL); err != nil {
		return nil, fatalErr("open listing", err)
	}

	company, err := s.await(ctx, "company filter", sel.Company, false)
	if err != nil {
		return nil, fatalErr("listing filters", err)
	}
	if err := company.Select([]string{s.cfg.Company}, true, rod.SelectorTypeText); err != nil {
		return nil, fatalErr("select company "+s.cfg.Company, err)
	}

	month, err := s.await(ctx, "month filter", sel.MonthYear, false)
	if err != nil {
		return nil, fatalErr("listing filters", err)
	}
	if err := month.SelectAllText(); err != nil {
		return nil, fatalErr("clear month filter", err)
	}
	if err := month.Input(w.String()); err != nil {
		return nil, fatalErr("fill month filter", err)
	}

	search, err := s.await(ctx, "search button", sel.Search, false)
	if err != nil {
		return nil, fatalErr("listing filters", err)
	}
	if err := s.click(search); err != nil {
		return nil, fatalErr("search", err)
	}

	table, err := s.await(ctx, "listing table", sel.Table, false)
	if err != nil {
		return nil, fatalErr("listing", err)
	}
	s.scrollToEnd(ctx, table)

	src, err := table.HTML()
	if err != nil {
		return nil, fatalErr("read listing", err)
	}
	rows, err := ledger.ParseListing(src, s.cfg.Columns)
	if err != nil {
		return nil, softErr("parse listing", err)
	}
	s.logger.DebugContext(ctx, "portal: listing loaded", "window", w.String(), "rows", len(rows))
	return rows, nil
}

const scrollJS = `() => {
	const c = this.closest("div[style*='overflow']") || this.tBodies[0] || this;
	c.scrollTop = c.scrollHeight;
	return c.scrollHeight;
}`

// scrollToEnd scrolls the table's container until its height stops
// growing. Running out of attempts is logged, not returned: the rows
// already loaded are still searched.
func (s *Session) scrollToEnd(ctx context.Context, table *rod.Element) {
	last := -1
	steps := 0
	opts := wait.Options{
		What:     "listing fully loaded",
		Interval: s.cfg.ScrollPause,
		Timeout:  time.Duration(s.cfg.ScrollAttempts) * s.cfg.ScrollPause,
	}
	err := wait.Until(ctx, opts, func(context.Context) (bool, error) {
		res, err := table.Eval(scrollJS)
		if err != nil {
			return false, err
		}
		h := res.Value.Int()
		steps++
		if h == last {
			return true, nil
		}
		last = h
		return false, nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "portal: listing scroll incomplete", "steps", steps, "error", err)
	}
}

// OpenRow clicks the subject link of row in the current listing.
func (s *Session) OpenRow(ctx context.Context, row ledger.Row) error {
	xp := fmt.Sprintf("(//table[@id=%q]//tr[td])[%d]/td[%d]//a",
		strings.TrimPrefix(s.cfg.Selectors.Table, "#"), row.Index+1, s.cfg.Columns.Name)
	link, err := s.await(ctx, "row link", xp, true)
	if err != nil {
		return softErr("find row "+row.String(), err)
	}
	text, err := link.Text()
	if err != nil {
		return softErr("read row link", err)
	}
	if !ledger.SameName(text, row.SubjectName) {
		return softErr("open row", fmt.Errorf("listing changed: row %d is %q, want %q", row.Index, text, row.SubjectName))
	}
	if err := link.ScrollIntoView(); err != nil {
		s.logger.DebugContext(ctx, "portal: scroll into view", "error", err)
	}
	if err := s.click(link); err != nil {
		return softErr("open row", err)
	}
	return nil
}

// ChooseSlot clicks the attach button for dt and follows the upload frame,
// returning its control code.
func (s *Session) ChooseSlot(ctx context.Context, dt claim.DocType) (upload.Target, error) {
	btnSel, ok := s.cfg.Selectors.Slots[dt]
	if !ok {
		return upload.Target{}, softErr("choose slot", fmt.Errorf("no attach button for %s", dt))
	}
	btn, err := s.await(ctx, "attach button "+string(dt), btnSel, false)
	if err != nil {
		return upload.Target{}, softErr("choose slot", err)
	}
	if err := s.click(btn); err != nil {
		return upload.Target{}, softErr("click attach "+string(dt), err)
	}

	frame, err := s.await(ctx, "upload frame", s.cfg.Selectors.UploadFrame, false)
	if err != nil {
		return upload.Target{}, softErr("upload frame", err)
	}
	src, err := frame.Attribute("src")
	if err != nil || src == nil || *src == "" {
		return upload.Target{}, softErr("upload frame", fmt.Errorf("frame has no src: %v", err))
	}
	here, err := s.currentURL()
	if err != nil {
		return upload.Target{}, softErr("upload frame", err)
	}
	target, err := resolveRef(here, *src)
	if err != nil {
		return upload.Target{}, softErr("upload frame", err)
	}
	if err := s.navigate(ctx, target); err != nil {
		return upload.Target{}, softErr("open upload page", err)
	}

	code, ok := ControlCode(target)
	if !ok {
		return upload.Target{}, softErr("upload page", fmt.Errorf("no control code in %s", target))
	}
	return upload.Target{ControlCode: code, Referer: target}, nil
}

// Transfer posts the image to the upload endpoint with the tab's session
// cookies, then reloads the upload page so the new file is listed.
func (s *Session) Transfer(ctx context.Context, t upload.Target, name string, data []byte) error {
	raw, err := s.page.Context(ctx).Cookies([]string{s.cfg.UploadURL})
	if err != nil {
		return softErr("read session cookies", err)
	}
	if err := s.post(ctx, t, name, data, toHTTPCookies(raw)); err != nil {
		return err
	}
	if err := s.page.Context(ctx).Reload(); err != nil {
		return softErr("reload upload page", err)
	}
	return s.page.Context(ctx).Timeout(s.cfg.NavigationTimeout).WaitLoad()
}

// post sends the multipart upload. It is not retried: a failed upload is
// reported and the artifact stays in the mailbox.
func (s *Session) post(ctx context.Context, t upload.Target, name string, data []byte, cookies []*http.Cookie) error {
	body, contentType, err := uploadBody(s.cfg.UploadFields, t.ControlCode, s.cfg.FileField, name, data)
	if err != nil {
		return fmt.Errorf("portal: build upload: %w", err)
	}
	cookies = mergeCookies(cookies, s.cfg.StaticCookies)

	call := connectivity.Chain(
		connectivity.Logging(s.logger, "portal-upload"),
		connectivity.Recovery(s.logger),
		connectivity.Timeout(s.cfg.UploadTimeout),
	)(connectivity.HTTPHandler(s.http, "portal-upload", func(ctx context.Context, payload []byte) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.UploadURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
		if t.Referer != "" {
			req.Header.Set("Referer", t.Referer)
		}
		for _, c := range cookies {
			req.AddCookie(c)
		}
		return req, nil
	}))

	if _, err := call(ctx, body); err != nil {
		return fmt.Errorf("portal: upload %s: %w", name, err)
	}
	return nil
}

const selectSecondOptionJS = `() => {
	if (this.options.length < 2) return false;
	this.selectedIndex = 1;
	this.dispatchEvent(new Event("change", {bubbles: true}));
	return true;
}`

// Finalize picks the first real procedure option and sends.
func (s *Session) Finalize(ctx context.Context, _ upload.Target) error {
	sel, err := s.await(ctx, "procedure select", s.cfg.Selectors.ProcedureX, true)
	if err != nil {
		return softErr("finalize", err)
	}
	res, err := sel.Eval(selectSecondOptionJS)
	if err != nil {
		return softErr("select procedure", err)
	}
	if !res.Value.Bool() {
		return softErr("select procedure", errors.New("no procedure option to choose"))
	}

	send, err := s.await(ctx, "send button", s.cfg.Selectors.Send, false)
	if err != nil {
		return softErr("finalize", err)
	}
	if err := s.click(send); err != nil {
		return softErr("send", err)
	}
	if err := s.page.Context(ctx).Timeout(s.cfg.NavigationTimeout).WaitLoad(); err != nil {
		s.logger.WarnContext(ctx, "portal: wait after send", "error", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Page helpers
// ---------------------------------------------------------------------------

func (s *Session) waitOpts(what string, timeout time.Duration) wait.Options {
	return wait.Options{What: what, Interval: 250 * time.Millisecond, Timeout: timeout}
}

// await polls for an element without relying on rod's implicit retry, so
// a missing element surfaces as *wait.TimeoutError.
func (s *Session) await(ctx context.Context, what, selector string, xpath bool) (*rod.Element, error) {
	var el *rod.Element
	err := wait.Until(ctx, s.waitOpts(what, s.cfg.ElementTimeout), func(ctx context.Context) (bool, error) {
		p := s.page.Context(ctx)
		var (
			found bool
			e     *rod.Element
			err   error
		)
		if xpath {
			found, e, err = p.HasX(selector)
		} else {
			found, e, err = p.Has(selector)
		}
		if err != nil {
			return false, err
		}
		el = e
		return found, nil
	})
	if err != nil {
		return nil, err
	}
	return el, nil
}

func (s *Session) navigate(ctx context.Context, u string) error {
	p := s.page.Context(ctx).Timeout(s.cfg.NavigationTimeout)
	if err := p.Navigate(u); err != nil {
		return fmt.Errorf("navigate %s: %w", u, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("load %s: %w", u, err)
	}
	return nil
}

// click clicks el, falling back to a script click when an overlay
// intercepts the pointer.
func (s *Session) click(el *rod.Element) error {
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		if _, jsErr := el.Eval(`() => this.click()`); jsErr != nil {
			return errors.Join(err, jsErr)
		}
	}
	return nil
}

func (s *Session) currentURL() (string, error) {
	info, err := s.page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func toHTTPCookies(raw []*proto.NetworkCookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}
