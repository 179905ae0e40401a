package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/SalesPipe/internal/api"
	"github.com/BTreeMap/SalesPipe/internal/flow"
	"github.com/BTreeMap/SalesPipe/internal/genai"
	"github.com/BTreeMap/SalesPipe/internal/history"
	"github.com/BTreeMap/SalesPipe/internal/intent"
	"github.com/BTreeMap/SalesPipe/internal/lockfile"
	"github.com/BTreeMap/SalesPipe/internal/messaging"
	"github.com/BTreeMap/SalesPipe/internal/metrics"
	"github.com/BTreeMap/SalesPipe/internal/notify"
	"github.com/BTreeMap/SalesPipe/internal/scheduler"
	"github.com/BTreeMap/SalesPipe/internal/store"
	"github.com/BTreeMap/SalesPipe/internal/util"
	"github.com/BTreeMap/SalesPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SalesPipe state data
	DefaultStateDir = "/var/lib/salespipe"
	// DefaultAppDBFileName is the default SQLite database for customer contexts
	DefaultAppDBFileName = "salespipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// MemoryDSN selects the in-memory context store
	MemoryDSN = "memory"
)

// Channel names accepted by CHANNEL / -channel.
const (
	ChannelTwilio    = "twilio"
	ChannelWhatsmeow = "whatsmeow"
	ChannelCloudAPI  = "cloudapi"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SalesPipe", "channel", flags.channel, "state_dir", flags.stateDir, "api_addr", flags.apiAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("SalesPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SalesPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	WhatsAppDBDSN    string
	RedisAddr        string
	RedisPassword    string
	OpenAIKey        string
	OpenAIModel      string
	GenAITimeout     time.Duration
	APIAddr          string
	Channel          string
	AdminPhone       string
	AdminEmail       string
	AdminJWTSecret   string
	SendGridAPIKey   string
	SendGridFrom     string
	PersonaFile      string
	FollowUpSchedule string
	DedupWindow      time.Duration
	Workers          int
	LogLevel         string
}

// Flags holds the final configuration after command line overrides.
type Flags struct {
	qrOutput         string
	numeric          bool
	stateDir         string
	dbDSN            string
	whatsappDSN      string
	redisAddr        string
	openaiKey        string
	openaiModel      string
	apiAddr          string
	channel          string
	adminPhone       string
	adminEmail       string
	personaFile      string
	followUpSchedule string

	config Config
}

// initializeLogger sets up structured logging at the configured level (debug by default).
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:         os.Getenv("SALESPIPE_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		GenAITimeout:     util.ParseDurationEnv("GENAI_TIMEOUT", genai.DefaultTimeout),
		APIAddr:          os.Getenv("API_ADDR"),
		Channel:          strings.ToLower(os.Getenv("CHANNEL")),
		AdminPhone:       os.Getenv("ADMIN_PHONE"),
		AdminEmail:       os.Getenv("ADMIN_EMAIL"),
		AdminJWTSecret:   os.Getenv("ADMIN_JWT_SECRET"),
		SendGridAPIKey:   os.Getenv("SENDGRID_API_KEY"),
		SendGridFrom:     os.Getenv("SENDGRID_FROM_EMAIL"),
		PersonaFile:      os.Getenv("PERSONA_PROMPT_FILE"),
		FollowUpSchedule: os.Getenv("FOLLOWUP_SCHEDULE"),
		DedupWindow:      util.ParseDurationEnv("DEDUP_WINDOW", store.DefaultDedupWindow),
		Workers:          util.ParseIntEnv("HANDLER_WORKERS", messaging.DefaultWorkers),
		LogLevel:         os.Getenv("LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.Channel == "" {
		config.Channel = ChannelTwilio
	}
	if config.FollowUpSchedule == "" {
		config.FollowUpSchedule = scheduler.DefaultSchedule
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = whatsappDSNFor(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"SALESPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_ADDR", config.RedisAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"CHANNEL", config.Channel,
		"ADMIN_PHONE_SET", config.AdminPhone != "",
		"ADMIN_EMAIL_SET", config.AdminEmail != "",
		"ADMIN_JWT_SECRET_SET", config.AdminJWTSecret != "",
		"FOLLOWUP_SCHEDULE", config.FollowUpSchedule,
		"DEDUP_WINDOW", config.DedupWindow)
	return config
}

func whatsappDSNFor(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags applies command line overrides on top of the environment.
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	f := Flags{config: config}
	fs := flag.NewFlagSet("salespipe", flag.ContinueOnError)
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write the whatsmeow login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "use numeric login code instead of QR code")
	fs.StringVar(&f.stateDir, "state-dir", config.StateDir, "state directory for SalesPipe data (overrides $SALESPIPE_STATE_DIR)")
	fs.StringVar(&f.dbDSN, "db-dsn", config.DatabaseURL, "customer store DSN: postgres URL, SQLite path or \"memory\" (overrides $DATABASE_URL)")
	fs.StringVar(&f.whatsappDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&f.redisAddr, "redis-addr", config.RedisAddr, "Redis address for history and dedup (overrides $REDIS_ADDR)")
	fs.StringVar(&f.openaiKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.openaiModel, "openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&f.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.channel, "channel", config.Channel, "messaging channel: twilio, whatsmeow or cloudapi (overrides $CHANNEL)")
	fs.StringVar(&f.adminPhone, "admin-phone", config.AdminPhone, "WhatsApp number that receives admin notifications (overrides $ADMIN_PHONE)")
	fs.StringVar(&f.adminEmail, "admin-email", config.AdminEmail, "email address that receives admin notifications (overrides $ADMIN_EMAIL)")
	fs.StringVar(&f.personaFile, "persona-file", config.PersonaFile, "file holding the assistant persona prompt (overrides $PERSONA_PROMPT_FILE)")
	fs.StringVar(&f.followUpSchedule, "followup-schedule", config.FollowUpSchedule, "cron schedule of the follow-up sweep (overrides $FOLLOWUP_SCHEDULE)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Database paths follow an overridden state directory unless they were set explicitly.
	if f.stateDir != config.StateDir {
		if f.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			f.dbDSN = filepath.Join(f.stateDir, DefaultAppDBFileName)
		}
		if f.whatsappDSN == whatsappDSNFor(config.StateDir) {
			f.whatsappDSN = whatsappDSNFor(f.stateDir)
		}
	}
	f.channel = strings.ToLower(strings.TrimSpace(f.channel))
	switch f.channel {
	case ChannelTwilio, ChannelWhatsmeow, ChannelCloudAPI:
	default:
		return Flags{}, fmt.Errorf("unknown channel %q (want twilio, whatsmeow or cloudapi)", f.channel)
	}
	return f, nil
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, f Flags) error {
	lock, err := lockfile.AcquireLock(f.stateDir, f.channel)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, dedup, closeStore, err := openStore(f.dbDSN, f.config.DedupWindow)
	if err != nil {
		return err
	}
	defer closeStore()

	msgLog := history.Log(history.NewMemoryLog())
	if f.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: f.redisAddr, Password: f.config.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", f.redisAddr, err)
		}
		msgLog = history.NewRedisLog(rdb, history.DefaultRedisTTL)
		dedup = store.NewRedisDedup(rdb, f.config.DedupWindow)
		slog.Info("Using Redis for message history and dedup", "addr", f.redisAddr)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc, channelOpts, closeChannel, err := openChannel(ctx, f)
	if err != nil {
		return err
	}
	defer closeChannel()

	engine := flow.NewEngine(st, msgLog, buildEngineOptions(f, svc)...)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start %s channel: %w", f.channel, err)
	}
	defer svc.Stop()

	handler := messaging.NewResponseHandler(svc, engine,
		messaging.WithDedup(dedup),
		messaging.WithNotifier(buildNotifier(f, svc)),
		messaging.WithWorkers(f.config.Workers),
		messaging.WithHandlerMetrics(m))
	handler.Start(ctx)
	defer handler.Wait()

	sweeper := scheduler.NewSweeper(st, engine, svc,
		scheduler.WithSchedule(f.followUpSchedule),
		scheduler.WithMetrics(m))
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	apiOpts := append([]api.Option{
		api.WithJWTSecret(f.config.AdminJWTSecret),
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		api.WithMetrics(m),
	}, channelOpts...)
	if f.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(f.apiAddr))
	}
	return api.NewServer(engine, st, svc, apiOpts...).Run(ctx)
}

// openStore picks the context store and matching dedup repository for dsn.
func openStore(dsn string, dedupWindow time.Duration) (store.ContextStore, store.DedupRepo, func(), error) {
	if dsn == "" || dsn == MemoryDSN {
		slog.Warn("Using in-memory customer store; contexts are lost on restart")
		return store.NewInMemoryStore(), store.NewMemoryDedup(dedupWindow, store.DefaultDedupCapacity), func() {}, nil
	}
	opts := []store.Option{store.WithDSN(dsn), store.WithDedupWindow(dedupWindow)}
	var (
		st interface {
			store.ContextStore
			store.DedupRepo
			io.Closer
		}
		err error
	)
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		st, err = store.NewPostgresStore(opts...)
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
		st, err = store.NewSQLiteStore(opts...)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open customer store: %w", err)
	}
	return st, st, func() {
		if err := st.Close(); err != nil {
			slog.Warn("Failed to close customer store", "error", err)
		}
	}, nil
}

// openChannel builds the configured messaging service plus the webhook routes it needs.
func openChannel(ctx context.Context, f Flags) (messaging.Service, []api.Option, func(), error) {
	switch f.channel {
	case ChannelTwilio:
		svc, err := messaging.NewTwilioService()
		if err != nil {
			return nil, nil, nil, err
		}
		return svc, []api.Option{api.WithTwilioWebhook(svc.TwilioWebhookHandler)}, func() {}, nil
	case ChannelCloudAPI:
		svc, err := messaging.NewCloudAPIService()
		if err != nil {
			return nil, nil, nil, err
		}
		return svc, []api.Option{api.WithCloudWebhook(svc.HandleVerification, svc.HandleInbound)}, func() {}, nil
	case ChannelWhatsmeow:
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(f.whatsappDSN)}
		if f.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(f.qrOutput))
		}
		if f.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("whatsmeow client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, client.Disconnect, nil
	}
	return nil, nil, nil, errors.New("unknown channel " + f.channel)
}

// buildEngineOptions wires the language model and channel history into the engine.
// Without an OpenAI key the engine still runs its deterministic funnel.
func buildEngineOptions(f Flags, svc messaging.Service) []flow.Option {
	var opts []flow.Option
	if f.personaFile != "" {
		opts = append(opts, flow.WithPersonaFile(f.personaFile))
	}
	if hp, ok := svc.(messaging.HistoryProvider); ok {
		opts = append(opts, flow.WithHistoryProvider(hp))
	}

	genaiOpts := []genai.Option{genai.WithTimeout(f.config.GenAITimeout)}
	if f.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(f.openaiKey))
	}
	if f.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(f.openaiModel))
	}
	llm, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Warn("GenAI client not configured, free-form replies and screenshot reading disabled", "error", err)
		return append(opts, flow.WithClassifier(intent.NewClassifier(nil)))
	}
	return append(opts,
		flow.WithClassifier(intent.NewClassifier(llm)),
		flow.WithGenerator(llm),
		flow.WithVision(llm))
}

// buildNotifier fans admin notifications out to every configured sink, falling back to the log.
func buildNotifier(f Flags, sender notify.Sender) notify.Notifier {
	var sinks notify.Multi
	if n := notify.NewWhatsAppNotifier(sender, f.adminPhone); n != nil {
		sinks = append(sinks, n)
	}
	if sg := notify.NewSendGridSender(notify.SendGridConfig{APIKey: f.config.SendGridAPIKey, FromEmail: f.config.SendGridFrom}); sg != nil {
		if n := notify.NewEmailNotifier(sg, f.adminEmail); n != nil {
			sinks = append(sinks, n)
		}
	}
	if len(sinks) == 0 {
		slog.Warn("No admin notification sink configured, notifications will only be logged")
		return notify.LogNotifier{}
	}
	return sinks
}
