package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"CompareChat/internal/api"
	"CompareChat/internal/backend"
	"CompareChat/internal/chatbot"
	"CompareChat/internal/config"
	"CompareChat/internal/hermes"
	"CompareChat/internal/store"
	"CompareChat/internal/telemetry"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "comparechat",
		Short:        "Compare the streamed answers of two chat backends side by side",
		SilenceUsage: true,
		RunE:         runChat,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "Path to a YAML configuration file")
	pf.Bool("debug", false, "Enable debug logging")
	pf.String("db", "", "SQLite database path")
	pf.String("left-url", "", "Server URL of the left backend")
	pf.String("left-model", "", "Model served by the left backend")
	pf.String("right-url", "", "Server URL of the right backend")
	pf.String("right-model", "", "Model served by the right backend")
	pf.Duration("read-timeout", 0, "Abandon a stream after this long without data")
	pf.Float64("temperature", 0, "Sampling temperature (0.1-2.0)")
	pf.Int("max-tokens", 0, "Maximum tokens per answer (100-2000)")
	pf.Float64("top-p", 0, "Nucleus sampling (0.1-1.0)")

	root.Flags().String("session-id", "", "Resume a stored session by ID")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve comparisons over HTTP with Server-Sent Events",
		RunE:  runServe,
	}
	serve.Flags().String("listen", "", "Listen address")

	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		RunE:  runSessions,
	}
	sessions.Flags().Int("limit", 20, "Maximum number of sessions to list")

	root.AddCommand(serve, sessions)
	return root
}

// loadConfig layers changed flags over the file and environment configuration
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	stringFlags := map[string]*string{
		"db":          &cfg.DBPath,
		"left-url":    &cfg.Left.ServerURL,
		"left-model":  &cfg.Left.Model,
		"right-url":   &cfg.Right.ServerURL,
		"right-model": &cfg.Right.Model,
		"session-id":  &cfg.SessionID,
		"listen":      &cfg.ListenAddr,
	}
	for name, target := range stringFlags {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*target, _ = flags.GetString(name)
		}
	}
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}
	if flags.Changed("read-timeout") {
		cfg.ReadTimeout, _ = flags.GetDuration("read-timeout")
	}
	if flags.Changed("temperature") {
		cfg.Params.Temperature, _ = flags.GetFloat64("temperature")
	}
	if flags.Changed("max-tokens") {
		cfg.Params.MaxTokens, _ = flags.GetInt("max-tokens")
	}
	if flags.Changed("top-p") {
		cfg.Params.TopP, _ = flags.GetFloat64("top-p")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// app holds the components shared by every command
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	tracer    trace.Tracer
	registry  *backend.Registry
	store     *store.Store
	publisher *hermes.Client
	closers   []func()
}

func setup(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, closers: []func(){func() { _ = closeLog() }}}

	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	var clients []*backend.Client
	for _, ep := range []backend.Endpoint{cfg.Left, cfg.Right} {
		client, err := backend.NewClient(ep, logger,
			backend.WithReadTimeout(cfg.ReadTimeout),
			backend.WithTracer(tracer),
			backend.WithMeter(meter),
		)
		if err != nil {
			a.close()
			return nil, err
		}
		clients = append(clients, client)
	}
	if a.registry, err = backend.NewRegistry(clients...); err != nil {
		a.close()
		return nil, err
	}

	if a.store, err = store.Open(cfg.DBPath, logger); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	if cfg.NatsURL != "" {
		pub, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			logger.Warn("failed to connect to NATS, continuing without event publication", "error", err)
		} else {
			a.publisher = pub
			a.closers = append(a.closers, pub.Close)
		}
	}

	return a, nil
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	opts := []chatbot.Option{
		chatbot.WithTracer(a.tracer),
		chatbot.WithParams(a.cfg.Params),
	}
	if a.publisher != nil {
		opts = append(opts, chatbot.WithPublisher(a.publisher))
	}

	bot, err := chatbot.NewChatBot(ctx, a.registry, a.cfg.Left.Name, a.cfg.Right.Name, a.store, a.cfg.SessionID, a.logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	return bot.Run(ctx)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	srv := api.NewServer(a.registry, a.cfg.Left.Name, a.cfg.Right.Name, a.logger, api.WithStore(a.store))
	fmt.Printf("Listening on %s (left=%s, right=%s)\n", a.cfg.ListenAddr, a.cfg.Left.Name, a.cfg.Right.Name)
	return srv.ListenAndServe(ctx, a.cfg.ListenAddr)
}

func runSessions(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	limit, _ := cmd.Flags().GetInt("limit")
	summaries, err := a.store.ListSessions(ctx, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tLEFT\tRIGHT\tTURNS")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", s.ID, s.StartTime.Format("2006-01-02 15:04"), s.LeftBackend, s.RightBackend, s.Turns)
	}
	return tw.Flush()
}
