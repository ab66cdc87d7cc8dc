package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wbattistetti/omnia/internal/api"
	"github.com/wbattistetti/omnia/internal/assembly"
	"github.com/wbattistetti/omnia/internal/catalog"
	"github.com/wbattistetti/omnia/internal/dialogue"
	"github.com/wbattistetti/omnia/internal/events"
	"github.com/wbattistetti/omnia/internal/extraction"
	"github.com/wbattistetti/omnia/internal/genai"
	"github.com/wbattistetti/omnia/internal/lockfile"
	"github.com/wbattistetti/omnia/internal/messaging"
	"github.com/wbattistetti/omnia/internal/models"
	"github.com/wbattistetti/omnia/internal/scheduler"
	"github.com/wbattistetti/omnia/internal/store"
	"github.com/wbattistetti/omnia/internal/twiliowhatsapp"
	"github.com/wbattistetti/omnia/internal/whatsapp"
)

// newRootCmd builds the command tree. Flags default to the environment values
// in cfg and overwrite them when given.
func newRootCmd(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "omnia",
		Short:         "Collect structured values from users through escalating dialogues",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initializeLogger(cfg.LogLevel)
		},
	}
	var persist bool
	pf := root.PersistentFlags()
	pf.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for omnia data (overrides $OMNIA_STATE_DIR)")
	pf.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "PostgreSQL DSN or SQLite path for the store (overrides $DATABASE_URL)")
	pf.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "template file or directory (overrides $OMNIA_CATALOG)")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	pf.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key enabling the llm and embeddings methods (overrides $OPENAI_API_KEY)")
	pf.StringVar(&cfg.NERURL, "ner-url", cfg.NERURL, "NER service endpoint enabling the ner method (overrides $NER_URL)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the messaging relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *cfg)
		},
	}
	sf := serve.Flags()
	sf.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	sf.DurationVar(&cfg.TurnTimeout, "turn-timeout", cfg.TurnTimeout, "silence after which a turn counts as no input, 0 disables (overrides $OMNIA_TURN_TIMEOUT)")
	sf.StringVar(&cfg.DefaultField, "field", cfg.DefaultField, "field collected from messaging senders (overrides $OMNIA_DEFAULT_FIELD)")
	sf.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server for dialogue events (overrides $NATS_URL)")
	sf.BoolVar(&cfg.WhatsAppEnabled, "whatsapp", cfg.WhatsAppEnabled, "relay dialogues over a paired WhatsApp device (overrides $OMNIA_WHATSAPP_ENABLED)")
	sf.StringVar(&cfg.QRCodeOutput, "qr-output", "", "path to write login QR code")
	sf.BoolVar(&cfg.NumericCode, "numeric-code", false, "use numeric login code instead of QR code")
	sf.DurationVar(&cfg.Retention, "retention", cfg.Retention, "how long concluded dialogues stay queryable in memory (overrides $OMNIA_RETENTION)")
	sf.BoolVar(&cfg.Speculative, "speculative", cfg.Speculative, "start every extraction method of a contract at once (overrides $OMNIA_SPECULATIVE)")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the catalog and assemble every template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), *cfg, persist, cmd.OutOrStdout())
		},
	}
	check.Flags().BoolVar(&persist, "persist", false, "store the assembled translations")

	conformance := &cobra.Command{
		Use:   "conformance",
		Short: "Resolve every canonical example and report contract violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConformance(cmd.Context(), *cfg, cmd.OutOrStdout())
		},
	}

	root.AddCommand(serve, check, conformance)
	return root
}

// runServe wires every component and serves until ctx is done.
func runServe(ctx context.Context, cfg Config) error {
	dsn := cfg.StoreDSN()
	if store.DetectDSNType(dsn) == store.DSNTypeSQLite || cfg.WhatsAppEnabled {
		lock, err := lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	st, err := store.Open(dsn)
	if err != nil {
		return err
	}
	defer st.Close()
	if _, err := assembleCatalog(ctx, cat, st); err != nil {
		return err
	}

	resolver, err := buildResolver(cfg)
	if err != nil {
		return err
	}
	publisher, closePublisher, err := buildPublisher(cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	engine := dialogue.NewEngine(cat,
		dialogue.WithResolver(resolver),
		dialogue.WithTranslations(st),
		dialogue.WithResults(st),
		dialogue.WithPublisher(publisher),
		dialogue.WithTurnTimeout(cfg.TurnTimeout),
	)
	defer engine.Close()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob("housekeeping", cfg.HousekeepingSchedule, scheduler.Housekeeping(cfg.Retention, engine, st)); err != nil {
		return fmt.Errorf("invalid housekeeping schedule %q: %w", cfg.HousekeepingSchedule, err)
	}

	apiOpts := []api.Option{
		api.WithResults(st),
		api.WithTranslations(st),
		api.WithCatalog(cat),
		api.WithActiveCount(engine.Active),
	}
	if cfg.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr))
	}

	g, gctx := errgroup.WithContext(ctx)

	svc, webhook, disconnect, err := buildMessaging(gctx, cfg)
	if err != nil {
		return err
	}
	if svc != nil {
		defer disconnect()
		if _, ok := cat.Get(cfg.DefaultField); !ok {
			return fmt.Errorf("messaging field %q: %w", cfg.DefaultField, catalog.ErrTemplateNotFound)
		}
		relay := messaging.NewRelay(svc, engine, st, cfg.DefaultField)
		engine.OnTimeout(relay.HandleTimeout)
		if err := svc.Start(gctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		defer svc.Stop()
		if webhook != nil {
			apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
		}
		g.Go(func() error {
			return ignoreCanceled(relay.Run(gctx))
		})
	}

	server := api.NewServer(engine, apiOpts...)
	g.Go(func() error {
		return server.Run(gctx)
	})

	slog.Info("omnia serving", "templates", len(cat.Templates()), "messaging", svc != nil)
	return ignoreCanceled(g.Wait())
}

// assembleCatalog assembles every template and stores new translation
// entries. It returns the number of entries produced.
func assembleCatalog(ctx context.Context, cat *catalog.Catalog, ts store.TranslationStore) (int, error) {
	total := 0
	for _, t := range cat.Templates() {
		assembled, err := assembly.AssembleField(&t.Field, t.ID)
		if err != nil {
			return total, fmt.Errorf("template %s: %w", t.ID, err)
		}
		total += len(assembled.Entries)
		if ts == nil {
			continue
		}
		if err := ts.PutTranslations(ctx, assembled.Entries); err != nil {
			return total, fmt.Errorf("template %s: failed to store translations: %w", t.ID, err)
		}
	}
	return total, nil
}

// buildResolver registers a backend for every method the configuration allows.
func buildResolver(cfg Config) (*extraction.Resolver, error) {
	opts := []extraction.Option{
		extraction.WithRecognizer(models.MethodRules, extraction.NewRulesRecognizer(nil)),
		extraction.WithRecognizer(models.MethodRegex, extraction.NewRegexRecognizer()),
		extraction.WithSpeculative(cfg.Speculative),
	}

	var limiter *rate.Limiter
	if cfg.RemoteRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RemoteRPS), 1)
	}
	if cfg.NERURL != "" {
		opts = append(opts, extraction.WithRecognizer(models.MethodNER, extraction.NewNERRecognizer(cfg.NERURL, nil, limiter)))
	}
	if cfg.OpenAIKey != "" {
		genaiOpts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
		if cfg.OpenAIBaseURL != "" {
			genaiOpts = append(genaiOpts, genai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		if cfg.LLMModel != "" {
			genaiOpts = append(genaiOpts, genai.WithModel(cfg.LLMModel))
		}
		if cfg.EmbeddingModel != "" {
			genaiOpts = append(genaiOpts, genai.WithEmbeddingModel(cfg.EmbeddingModel))
		}
		client, err := genai.NewClient(genaiOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create GenAI client: %w", err)
		}
		opts = append(opts,
			extraction.WithRecognizer(models.MethodLLM, extraction.NewLLMRecognizer(client, limiter)),
			extraction.WithRecognizer(models.MethodEmbeddings, extraction.NewEmbeddingsRecognizer(client, limiter, cfg.MinSimilarity)),
		)
	} else {
		slog.Info("No OpenAI API key configured, llm and embeddings methods disabled")
	}
	return extraction.NewResolver(opts...), nil
}

// buildPublisher connects to NATS when configured.
func buildPublisher(cfg Config) (events.Publisher, func(), error) {
	if cfg.NATSURL == "" {
		return events.Noop{}, func() {}, nil
	}
	var opts []events.NATSOption
	if cfg.NATSToken != "" {
		opts = append(opts, events.WithToken(cfg.NATSToken))
	}
	p, err := events.NewNATSPublisher(cfg.NATSURL, opts...)
	if err != nil {
		return nil, nil, err
	}
	return p, func() { p.Close() }, nil
}

// buildMessaging picks Twilio when an account is configured, otherwise a
// whatsmeow device when enabled. A nil service means no messaging.
func buildMessaging(ctx context.Context, cfg Config) (messaging.Service, http.HandlerFunc, func(), error) {
	noop := func() {}
	switch {
	case cfg.TwilioAccountSID != "":
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(cfg.TwilioAuthToken, cfg.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, webhook signatures are not checked")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, svc.TwilioWebhookHandler, noop, nil
	case cfg.WhatsAppEnabled:
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.DeviceDSN())}
		if cfg.QRCodeOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QRCodeOutput))
		}
		if cfg.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, client.Disconnect, nil
	default:
		slog.Info("No messaging channel configured, serving the HTTP API only")
		return nil, nil, noop, nil
	}
}

// runCheck validates the catalog by loading it, then assembles every template.
func runCheck(ctx context.Context, cfg Config, persist bool, out io.Writer) error {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	var ts store.TranslationStore
	if persist {
		st, err := store.Open(cfg.StoreDSN())
		if err != nil {
			return err
		}
		defer st.Close()
		ts = st
	}
	n, err := assembleCatalog(ctx, cat, ts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d templates ok, %d translation entries\n", len(cat.Templates()), n)
	return nil
}

// errConformance is returned when at least one canonical example fails.
var errConformance = errors.New("conformance check failed")

// runConformance checks every contract of every template and prints the
// reports as JSON.
func runConformance(ctx context.Context, cfg Config, out io.Writer) error {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	resolver, err := buildResolver(cfg)
	if err != nil {
		return err
	}

	var reports []extraction.ConformanceReport
	var walk func(f *models.Field) error
	walk = func(f *models.Field) error {
		if f.Contract != nil {
			rctx, cancel := context.WithTimeout(ctx, time.Minute)
			report, err := extraction.CheckConformance(rctx, resolver, f.ID, f.Contract)
			cancel()
			if err != nil {
				return fmt.Errorf("field %s: %w", f.ID, err)
			}
			reports = append(reports, report)
		}
		for i := range f.SubFields {
			if err := walk(&f.SubFields[i]); err != nil {
				return err
			}
		}
		return nil
	}
	for _, t := range cat.Templates() {
		if err := walk(&t.Field); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		return err
	}
	for _, r := range reports {
		if !r.OK() {
			return errConformance
		}
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
