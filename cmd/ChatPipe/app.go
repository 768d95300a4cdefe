package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/ChatPipe/internal/agent"
	"github.com/BTreeMap/ChatPipe/internal/api"
	"github.com/BTreeMap/ChatPipe/internal/config"
	"github.com/BTreeMap/ChatPipe/internal/genai"
	"github.com/BTreeMap/ChatPipe/internal/lockfile"
	"github.com/BTreeMap/ChatPipe/internal/messaging"
	"github.com/BTreeMap/ChatPipe/internal/queue"
	"github.com/BTreeMap/ChatPipe/internal/recovery"
	"github.com/BTreeMap/ChatPipe/internal/scheduler"
	"github.com/BTreeMap/ChatPipe/internal/session"
	"github.com/BTreeMap/ChatPipe/internal/store"
	"github.com/BTreeMap/ChatPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ChatPipe/internal/whatsapp"
	"github.com/BTreeMap/ChatPipe/internal/worker"
)

// providerShutdownTimeout bounds disconnecting all providers on exit.
const providerShutdownTimeout = 10 * time.Second

// overrides replaces externally backed components; used by tests.
type overrides struct {
	agent     agent.Agent
	providers []messaging.Provider
	listener  net.Listener
	started   chan<- *api.Server
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, opts *config.Options, ov *overrides) error {
	if ov == nil {
		ov = &overrides{}
	}

	lock, err := lockfile.AcquireLock(opts.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(opts.StoreDSN())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("run: failed to close store", "error", err)
		}
	}()

	q := queue.NewMessageQueue(st, buildQueueOptions(opts)...)
	sessions := session.NewManager(st, buildSessionOptions(opts)...)

	ag := ov.agent
	if ag == nil {
		gopts, err := buildGenAIOptions(opts)
		if err != nil {
			return err
		}
		client, err := genai.NewClient(gopts...)
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}
		ag = client
	}
	executor := agent.NewExecutor(ag, agent.WithTimeout(opts.Agent.Timeout))

	providers := ov.providers
	if providers == nil {
		providers, err = buildProviders(opts)
		if err != nil {
			return err
		}
	}
	registry := messaging.NewRegistry()
	ingestor := messaging.NewIngestor(q, st)
	for _, p := range providers {
		if len(opts.AllowedSenders) > 0 {
			if b, ok := p.(interface{ SetAllowedSenders([]string) }); ok {
				b.SetAllowedSenders(opts.AllowedSenders)
			}
		}
		if src, ok := p.(messaging.InboundSource); ok {
			src.SetInboundHandler(ingestor.Handler())
		}
		registry.Register(p)
	}
	if len(providers) == 0 {
		slog.Warn("run: no messaging providers configured; only the operator API is useful")
	}
	router := messaging.NewRouter(registry)

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable("queue", q)
	rm.RegisterRecoverable("sessions", sessions)
	rm.RegisterRecoverable("providers", recovery.ProviderRecovery(registry))
	if err := rm.RecoverAll(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), providerShutdownTimeout)
		defer cancel()
		if err := registry.ShutdownAll(sctx); err != nil {
			slog.Error("run: provider shutdown failed", "error", err)
		}
	}()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	err = scheduler.ScheduleMaintenance(sched, scheduler.MaintenanceConfig{
		Queue:     q,
		Sessions:  sessions,
		Inbound:   st,
		Retention: opts.Queue.CompletedRetention,
	})
	if err != nil {
		return err
	}

	w := worker.New(q, sessions, executor, router.Deliver, buildWorkerOptions(opts)...)
	srv, err := api.NewServer(api.Deps{
		Queue:       q,
		DeadLetters: queue.NewDeadLetterProcessor(q),
		Sessions:    sessions,
		Providers:   registry,
		Ingestor:    ingestor,
		Worker:      w,
	}, buildAPIOptions(opts)...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		if ov.listener != nil {
			return srv.Serve(gctx, ov.listener)
		}
		return srv.Run(gctx)
	})
	if ov.started != nil {
		ov.started <- srv
	}
	slog.Info("run: ChatPipe started", "providers", len(providers))
	return g.Wait()
}

func buildQueueOptions(opts *config.Options) []queue.Option {
	return []queue.Option{
		queue.WithMaxRetryCount(opts.Queue.MaxRetryCount),
		queue.WithBaseRetryDelay(opts.Queue.BaseRetryDelay),
		queue.WithMaxRetryDelay(opts.Queue.MaxRetryDelay),
		queue.WithVisibilityTimeout(opts.Queue.VisibilityTimeout),
	}
}

func buildSessionOptions(opts *config.Options) []session.Option {
	return []session.Option{
		session.WithMaxHistoryCount(opts.Session.MaxHistoryCount),
		session.WithSessionExpiration(opts.Session.Expiration),
		session.WithCacheExpiration(opts.Session.CacheExpiration),
		session.WithCacheEnabled(!opts.Session.DisableCache),
	}
}

func buildWorkerOptions(opts *config.Options) []worker.Option {
	return []worker.Option{
		worker.WithMaxConcurrency(opts.Worker.MaxConcurrency),
		worker.WithPollingInterval(opts.Worker.PollingInterval),
		worker.WithErrorDelay(opts.Worker.ErrorDelay),
		worker.WithDrainTimeout(opts.Worker.DrainTimeout),
		worker.WithSerializeSessions(!opts.Worker.NoSerializeSessions),
	}
}

func buildAPIOptions(opts *config.Options) []api.Option {
	apiOpts := []api.Option{
		api.WithAddr(opts.HTTP.Addr),
		api.WithShutdownTimeout(opts.HTTP.ShutdownTimeout),
	}
	if opts.HTTP.PublicURL != "" {
		apiOpts = append(apiOpts, api.WithPublicURL(opts.HTTP.PublicURL))
	}
	return apiOpts
}

func buildGenAIOptions(opts *config.Options) ([]genai.Option, error) {
	gopts := []genai.Option{
		genai.WithTemperature(opts.Agent.Temperature),
		genai.WithDebugMode(opts.Agent.Debug),
		genai.WithStateDir(opts.StateDir),
	}
	if opts.Agent.APIKey != "" {
		gopts = append(gopts, genai.WithAPIKey(opts.Agent.APIKey))
	}
	if opts.Agent.BaseURL != "" {
		gopts = append(gopts, genai.WithBaseURL(opts.Agent.BaseURL))
	}
	if opts.Agent.Model != "" {
		gopts = append(gopts, genai.WithModel(opts.Agent.Model))
	}
	prompt, err := opts.SystemPrompt()
	if err != nil {
		return nil, err
	}
	if prompt != "" {
		gopts = append(gopts, genai.WithSystemPrompt(prompt))
	}
	return gopts, nil
}

// buildProviders creates a provider for every configured platform.
func buildProviders(opts *config.Options) ([]messaging.Provider, error) {
	var out []messaging.Provider
	if opts.Twilio.AccountSID != "" {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(opts.Twilio.AccountSID),
			twiliowhatsapp.WithAuthToken(opts.Twilio.AuthToken),
			twiliowhatsapp.WithFromWhats(opts.Twilio.From),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		out = append(out, messaging.NewTwilioProvider(client))
	}
	if opts.WhatsApp.Enabled {
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(opts.WhatsAppDSN())}
		if opts.WhatsApp.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(opts.WhatsApp.QROutput))
		}
		if opts.WhatsApp.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		out = append(out, messaging.NewWhatsAppProvider(client))
	}
	if opts.Telegram.Token != "" {
		var tgOpts []messaging.TelegramOption
		if opts.Telegram.SecretToken != "" {
			tgOpts = append(tgOpts, messaging.WithTelegramSecretToken(opts.Telegram.SecretToken))
		}
		out = append(out, messaging.NewTelegramProvider(opts.Telegram.Token, tgOpts...))
	}
	if opts.Slack.BotToken != "" {
		var slOpts []messaging.SlackOption
		if opts.Slack.SigningSecret != "" {
			slOpts = append(slOpts, messaging.WithSlackSigningSecret(opts.Slack.SigningSecret))
		}
		out = append(out, messaging.NewSlackProvider(opts.Slack.BotToken, slOpts...))
	}
	return out, nil
}
