// Package api wires the SafeStatus alert core together and serves its HTTP API.
//
// Run connects the alert feed to the alert bus, persists every alert, drives
// the prompt machine and delivers prompts over the configured messaging
// backend. The HTTP endpoints expose the feed state, alert history and the
// visible prompt, and accept prompt answers.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SafeStatus/internal/alerts"
	"github.com/BTreeMap/SafeStatus/internal/feed"
	"github.com/BTreeMap/SafeStatus/internal/flow"
	"github.com/BTreeMap/SafeStatus/internal/messaging"
	"github.com/BTreeMap/SafeStatus/internal/metrics"
	"github.com/BTreeMap/SafeStatus/internal/models"
	"github.com/BTreeMap/SafeStatus/internal/store"
	"github.com/BTreeMap/SafeStatus/internal/twiliowhatsapp"
	"github.com/BTreeMap/SafeStatus/internal/whatsapp"
)

// Defaults for the API server.
const (
	DefaultServerAddress   = ":8080"
	DefaultProfileID       = "local"
	DefaultHistorySeed     = 50
	DefaultShutdownTimeout = 5 * time.Second
	DefaultReadTimeout     = 10 * time.Second
)

// Messaging backends.
const (
	BackendNone     = "none"
	BackendWhatsApp = "whatsapp"
	BackendTwilio   = "twilio"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr                 string
	ProfileID            string
	DisplayName          string
	City                 string
	Phone                string
	MessagingBackend     string
	NotificationsEnabled bool
	TwilioWebhookURL     string
	FollowUpDelay        time.Duration
	DedupWindow          time.Duration
	CurrentTTL           time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithProfile sets the local user's profile. Empty values keep what is stored.
func WithProfile(id, displayName, city, phone string) Option {
	return func(o *Opts) {
		o.ProfileID = id
		o.DisplayName = displayName
		o.City = city
		o.Phone = phone
	}
}

// WithMessagingBackend selects whatsapp, twilio or none.
func WithMessagingBackend(backend string) Option {
	return func(o *Opts) { o.MessagingBackend = backend }
}

// WithNotifications enables or disables prompt notifications.
func WithNotifications(enabled bool) Option {
	return func(o *Opts) { o.NotificationsEnabled = enabled }
}

// WithTwilioWebhookURL enables Twilio signature checks against url.
func WithTwilioWebhookURL(url string) Option {
	return func(o *Opts) { o.TwilioWebhookURL = url }
}

// WithFollowUpDelay sets the delay before the safety check prompt.
func WithFollowUpDelay(d time.Duration) Option {
	return func(o *Opts) { o.FollowUpDelay = d }
}

// WithDedupWindow sets how long an identical alert is treated as a duplicate.
func WithDedupWindow(d time.Duration) Option {
	return func(o *Opts) { o.DedupWindow = d }
}

// WithCurrentAlertTTL sets how long the last alert stays current.
func WithCurrentAlertTTL(d time.Duration) Option {
	return func(o *Opts) { o.CurrentTTL = d }
}

// Server holds the running components the HTTP handlers read from.
type Server struct {
	st         store.Store
	profiles   *store.ProfileAccessor
	bus        *alerts.Bus
	conn       *feed.Connection
	machine    *flow.Machine
	board      *PromptBoard
	msgService messaging.Service
	twilio     *messaging.TwilioService
	startedAt  time.Time
}

// NewServer creates a Server over already-built components. msgService may
// be nil; when it is a *messaging.TwilioService its webhook is served.
func NewServer(st store.Store, profiles *store.ProfileAccessor, bus *alerts.Bus, conn *feed.Connection,
	machine *flow.Machine, board *PromptBoard, msgService messaging.Service) *Server {
	s := &Server{
		st:         st,
		profiles:   profiles,
		bus:        bus,
		conn:       conn,
		machine:    machine,
		board:      board,
		msgService: msgService,
		startedAt:  time.Now(),
	}
	if tw, ok := msgService.(*messaging.TwilioService); ok {
		s.twilio = tw
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/feed", s.feedHandler)
	mux.HandleFunc("/api/alerts", s.alertsHandler)
	mux.HandleFunc("/api/alerts/current", s.currentAlertHandler)
	mux.HandleFunc("/api/alerts/demo", s.demoAlertHandler)
	mux.HandleFunc("/api/prompt", s.promptHandler)
	mux.HandleFunc("/api/prompt/respond", s.respondHandler)
	mux.HandleFunc("/api/profile", s.profileHandler)
	mux.Handle("/metrics", metrics.Handler())
	if s.twilio != nil {
		mux.HandleFunc("/webhooks/twilio", s.twilio.TwilioWebhookHandler)
	}
	return mux
}

// Run builds every component, serves the API and blocks until ctx is done.
func Run(ctx context.Context, storeOpts []store.Option, feedOpts []feed.Option, transportOpts []feed.SocketIOOption,
	waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, apiOpts []Option) error {
	cfg := Opts{
		Addr:             DefaultServerAddress,
		ProfileID:        DefaultProfileID,
		MessagingBackend: BackendNone,
		FollowUpDelay:    flow.DefaultFollowUpDelay,
		DedupWindow:      flow.DefaultDedupWindow,
		CurrentTTL:       alerts.DefaultCurrentTTL,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	slog.Debug("api.Run: configuration", "addr", cfg.Addr, "profile", cfg.ProfileID, "backend", cfg.MessagingBackend,
		"notifications", cfg.NotificationsEnabled, "followUp", cfg.FollowUpDelay, "dedupWindow", cfg.DedupWindow)

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	profiles := store.NewProfileAccessor(st, cfg.ProfileID)
	if _, err := profiles.EnsureProfile(cfg.DisplayName, cfg.Phone, cfg.City); err != nil {
		return fmt.Errorf("failed to prepare profile: %w", err)
	}

	bus := alerts.NewBus(alerts.WithCurrentTTL(cfg.CurrentTTL))
	defer bus.Stop()
	if records, err := st.ListAlertRecords(DefaultHistorySeed); err != nil {
		slog.Warn("api.Run: could not load alert history", "error", err)
	} else {
		bus.Seed(records)
	}

	msgService, err := newMessagingService(cfg, waOpts, twilioOpts)
	if err != nil {
		return err
	}
	if msgService != nil {
		defer msgService.Stop()
	}

	board := NewPromptBoard()
	machineOpts := []flow.Option{
		flow.WithFollowUpDelay(cfg.FollowUpDelay),
		flow.WithDedupWindow(cfg.DedupWindow),
		flow.WithStateManager(flow.NewStoreBasedStateManager(st, cfg.ProfileID)),
	}
	if cfg.NotificationsEnabled && msgService != nil && cfg.Phone != "" {
		notifier, err := messaging.NewNotifier(msgService, cfg.Phone)
		if err != nil {
			return err
		}
		machineOpts = append(machineOpts, flow.WithNotifier(notifier))
	}
	machine := flow.NewMachine(profiles, board, machineOpts...)
	defer machine.Stop()
	if err := machine.Restore(ctx); err != nil {
		slog.Warn("api.Run: could not restore prompt state", "error", err)
	}

	unsubscribePersist := bus.Subscribe(persistRecord(st))
	defer unsubscribePersist()
	unsubscribeMachine := bus.Subscribe(machine.HandleRecord)
	defer unsubscribeMachine()

	if msgService != nil {
		if err := msgService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		rh := messaging.NewResponseHandler(msgService, messaging.WithDedup(st, cfg.ProfileID))
		if cfg.Phone != "" {
			if err := rh.RegisterHook(cfg.Phone, messaging.CreatePromptHook(machine, msgService)); err != nil {
				return err
			}
		}
		rh.Start(ctx)
	}

	conn := feed.NewConnection(feed.NewSocketIOTransport(transportOpts...), feedOpts...)
	defer conn.Close()
	dispose := conn.Connect(func(a models.BroadcastAlert) { bus.Publish(a) })
	defer dispose()

	srv := NewServer(st, profiles, bus, conn, machine, board, msgService)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: DefaultReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("SafeStatus API running", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("api.Run: shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api.Run: http shutdown incomplete", "error", err)
	}
	return nil
}

// newMessagingService builds the configured backend, or nil for none.
func newMessagingService(cfg Opts, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option) (messaging.Service, error) {
	switch cfg.MessagingBackend {
	case "", BackendNone:
		slog.Info("api: messaging disabled")
		return nil, nil
	case BackendWhatsApp:
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(client, cfg.TwilioWebhookURL))
		} else {
			slog.Warn("api: TWILIO_WEBHOOK_URL not set, webhook signatures are not verified")
		}
		return messaging.NewTwilioService(client, opts...), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend %q", cfg.MessagingBackend)
	}
}

// persistRecord appends each published alert to the audit log.
func persistRecord(st store.Store) alerts.Handler {
	return func(rec models.AlertRecord) {
		if err := st.AddAlertRecord(rec); err != nil {
			slog.Error("api: failed to persist alert record", "error", err, "id", rec.ID)
		}
	}
}
