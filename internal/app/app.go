// Package app wires the livetalk subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the provider, the
// session manager and the optional HTTP endpoint, Run executes one voice
// session alongside the endpoint and the terminal controls, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via the [config.Registry] passed to New and
// via functional options (WithMetrics, WithControlInput, etc.).
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/internal/health"
	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
)

const (
	readHeaderTimeout = 10 * time.Second
	serverStopTimeout = 5 * time.Second
)

// ErrUnsupportedVoice is returned by New when the configured voice is not in
// the provider's voice list.
var ErrUnsupportedVoice = errors.New("voice not offered by provider")

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	metrics        *observe.Metrics
	metricsHandler http.Handler
	input          io.Reader
	output         io.Writer

	// Subsystems, initialised in New and torn down in Shutdown.
	provider s2s.Provider
	sessions *SessionManager
	server   *http.Server

	addrMu sync.Mutex
	addr   net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the instruments sessions and HTTP requests record to.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics on the HTTP endpoint.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithControlInput reads single-letter commands from r while a session
// runs: "m" toggles mute, "q" ends the session. Without it no controls are
// read.
func WithControlInput(r io.Reader) Option {
	return func(a *App) { a.input = r }
}

// WithControlOutput sets where control feedback is printed. Defaults to
// [io.Discard].
func WithControlOutput(w io.Writer) Option {
	return func(a *App) { a.output = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. reg must have factories for the configured
// provider and audio backends.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: reg,
		output:   io.Discard,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Provider ──────────────────────────────────────────────────────
	p, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("app: create provider %q: %w", cfg.Provider.Name, err)
	}
	a.provider = p
	caps := p.Capabilities()
	slog.Info("provider created",
		"name", cfg.Provider.Name,
		"model", cfg.Provider.Model,
		"input_rate", caps.InputSampleRate,
		"output_rate", caps.OutputSampleRate,
		"max_session", time.Duration(caps.MaxSessionDurationMs)*time.Millisecond,
	)
	if err := checkVoice(cfg.Session.Voice, caps); err != nil {
		return nil, fmt.Errorf("app: provider %q: %w", cfg.Provider.Name, err)
	}

	// ── 2. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:   cfg,
		Registry: reg,
		Provider: p,
		Metrics:  a.metrics,
	})
	a.closers = append(a.closers, func() error {
		if err := a.sessions.Stop(); err != nil && !errors.Is(err, ErrNoActiveSession) {
			return err
		}
		return nil
	})

	// ── 3. HTTP endpoint ─────────────────────────────────────────────────
	a.initServer()

	_ = ctx // reserved for providers that dial eagerly
	return a, nil
}

// checkVoice rejects a voice the provider does not list. An empty voice or a
// provider without a published list passes.
func checkVoice(voice string, caps s2s.Capabilities) error {
	if voice == "" || len(caps.Voices) == 0 || slices.Contains(caps.Voices, voice) {
		return nil
	}
	return fmt.Errorf("%w: %q (available: %s)", ErrUnsupportedVoice, voice, strings.Join(caps.Voices, ", "))
}

// initServer builds the health and metrics endpoint when a listen address is
// configured.
func (a *App) initServer() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}
	mux := http.NewServeMux()
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	health.New(health.SessionChecker(a.sessions.Current)).Register(mux)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics, func() string { return a.sessions.Info().SessionID })(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Addr returns the address the HTTP endpoint is listening on, or nil before
// Run bound it or when the endpoint is disabled.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the session and blocks until it ends, ctx is cancelled or the
// user quits. The HTTP endpoint and the control reader run alongside it and
// stop with it. A failed session start is returned without starting either.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ln net.Listener
	if a.server != nil {
		var err error
		ln, err = net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
		a.addrMu.Lock()
		a.addr = ln.Addr()
		a.addrMu.Unlock()
	}

	if err := a.sessions.Start(ctx); err != nil {
		if ln != nil {
			_ = ln.Close()
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		select {
		case <-gctx.Done():
			if err := a.sessions.Stop(); err != nil && !errors.Is(err, ErrNoActiveSession) {
				return err
			}
		case <-a.sessions.Done():
		}
		return nil
	})

	if ln != nil {
		g.Go(func() error { return a.serve(gctx, ln) })
	}

	if a.input != nil {
		g.Go(func() error { return a.readControls(gctx, cancel) })
	}

	return g.Wait()
}

// serve runs the HTTP endpoint until ctx is done.
func (a *App) serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Serve(ln) }()
	slog.Info("http endpoint listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http serve: %w", err)
	case <-ctx.Done():
	}

	sctx, scancel := context.WithTimeout(context.Background(), serverStopTimeout)
	defer scancel()
	if err := a.server.Shutdown(sctx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	return nil
}

// readControls handles terminal commands until ctx is done, the input ends
// or the user quits. End of input leaves the session running.
func (a *App) readControls(ctx context.Context, quit context.CancelFunc) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.input)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(a.output, `controls: "m" + Enter toggles mute, "q" + Enter quits`)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "m", "mute":
				if a.sessions.ToggleMute() {
					fmt.Fprintln(a.output, "microphone muted")
				} else {
					fmt.Fprintln(a.output, "microphone live")
				}
			case "q", "quit":
				fmt.Fprintln(a.output, "ending session")
				quit()
				return nil
			case "":
			default:
				fmt.Fprintf(a.output, "unknown command %q\n", line)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops any running session and releases all resources. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i, closer := range a.closers {
				if ctx.Err() != nil {
					slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
					return
				}
				if err := closer(); err != nil {
					slog.Warn("closer error", "index", i, "err", err)
				}
			}
		}()

		select {
		case <-done:
		case <-ctx.Done():
			shutdownErr = ctx.Err()
		}
	})
	return shutdownErr
}
