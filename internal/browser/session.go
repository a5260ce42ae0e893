// File: internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Session drives one remote browser window over CDP. It implements
// SessionHandle and owns the chromedp contexts plus the provisioned profile.
type Session struct {
	id        string
	profileID string

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	provisioner Provisioner
	pageTimeout time.Duration
	logger      *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ SessionHandle = (*Session)(nil)

func (s *Session) ID() string { return s.id }

// run executes chromedp actions under the per-action page timeout.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.tabCtx, s.pageTimeout)
	defer cancel()

	// Abort the CDP action as soon as the caller's context is cancelled.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (s *Session) FindMarker(ctx context.Context, selector string) (bool, error) {
	var present bool
	expr := fmt.Sprintf("document.querySelector(%q) !== null", selector)
	if err := s.run(ctx, chromedp.Evaluate(expr, &present)); err != nil {
		return false, err
	}
	return present, nil
}

func (s *Session) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (s *Session) Type(ctx context.Context, selector, text string) error {
	return s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (s *Session) SetCookie(ctx context.Context, name, value, domain string) error {
	return s.run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
		return network.SetCookie(name, value).
			WithDomain(domain).
			WithPath("/").
			WithSecure(true).
			Do(cctx)
	}))
}

func (s *Session) ReadCookies(ctx context.Context) (map[string]string, error) {
	cookies := make(map[string]string)
	err := s.run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
		list, err := storage.GetCookies().Do(cctx)
		if err != nil {
			return err
		}
		for _, c := range list {
			cookies[c.Name] = c.Value
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return cookies, nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close tears down the CDP contexts and releases the remote profile. Safe to
// call more than once; later calls return the first outcome.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.tabCancel()
		s.allocCancel()

		if err := s.provisioner.CloseProfile(ctx, s.profileID); err != nil {
			s.logger.Warn("Failed to close remote profile", zap.Error(err))
			s.closeErr = err
		}
		// Best effort cleanup of the profile configuration; the window is
		// already gone, so a delete failure only leaks a stale profile entry.
		if err := s.provisioner.DeleteProfile(ctx, s.profileID); err != nil {
			s.logger.Debug("Failed to delete remote profile", zap.Error(err))
		}
	})
	return s.closeErr
}

// Manager provisions remote profiles and attaches CDP sessions to them. It
// implements Factory and tracks live sessions for a graceful shutdown.
type Manager struct {
	provisioner Provisioner
	pageTimeout time.Duration
	logger      *zap.Logger
	wg          sync.WaitGroup
}

var _ Factory = (*Manager)(nil)

// NewManager builds the session factory on top of a provisioning client.
func NewManager(provisioner Provisioner, pageTimeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		provisioner: provisioner,
		pageTimeout: pageTimeout,
		logger:      logger.Named("browser_manager"),
	}
}

// Open provisions a profile, launches it, and attaches a CDP session.
func (m *Manager) Open(ctx context.Context, opts OpenOptions) (SessionHandle, error) {
	profileID, err := m.provisioner.CreateProfile(ctx, opts.ProfileName, opts.Proxy)
	if err != nil {
		return nil, err
	}

	wsEndpoint, err := m.provisioner.OpenProfile(ctx, profileID)
	if err != nil {
		// Clean up the orphaned profile; its window never opened.
		_ = m.provisioner.DeleteProfile(ctx, profileID)
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsEndpoint)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		id:          opts.ProfileName,
		profileID:   profileID,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		provisioner: m.provisioner,
		pageTimeout: m.pageTimeout,
		logger:      m.logger.With(zap.String("session_id", opts.ProfileName)),
	}

	// Confirm the remote target responds before handing the session out.
	probeCtx, cancelProbe := context.WithTimeout(tabCtx, 15*time.Second)
	defer cancelProbe()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		allocCancel()
		_ = m.provisioner.CloseProfile(ctx, profileID)
		_ = m.provisioner.DeleteProfile(ctx, profileID)
		return nil, &ProvisioningError{Op: "attach", Err: err}
	}

	m.wg.Add(1)
	return &trackedSession{SessionHandle: s, wg: &m.wg}, nil
}

// Shutdown waits for all live sessions to close, respecting the deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded with sessions still open", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// trackedSession decrements the manager's WaitGroup exactly once on close.
type trackedSession struct {
	SessionHandle
	wg   *sync.WaitGroup
	once sync.Once
}

func (t *trackedSession) Close(ctx context.Context) error {
	err := t.SessionHandle.Close(ctx)
	t.once.Do(t.wg.Done)
	return err
}
