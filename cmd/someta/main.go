package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/someta/mathhelper/internal/dispatch"
	"github.com/someta/mathhelper/internal/handler"
	appI18n "github.com/someta/mathhelper/internal/i18n"
	"github.com/someta/mathhelper/internal/llm"
	"github.com/someta/mathhelper/internal/llm/prompts"
	"github.com/someta/mathhelper/internal/logsink"
	"github.com/someta/mathhelper/internal/metrics"
	"github.com/someta/mathhelper/internal/model"
	"github.com/someta/mathhelper/internal/sheets"
	"github.com/someta/mathhelper/internal/store"
	"github.com/someta/mathhelper/internal/submission"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "someta",
		Short:   "Math tutoring backend for the SoMeTA browser extension",
		Version: version,
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `someta --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP tutoring server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":5000", "HTTP listen address")
	f.String("db", "someta.db", "SQLite database path")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty for api.openai.com)")
	f.String("llm-key", "", "API key for the LLM (or set OPENAI_API_KEY)")
	f.String("llm-model", "gpt-4o", "Multimodal model for chat, problems, images and grading")
	f.String("meta-model", "gpt-4-1106-preview", "Model for meta-analysis across tutors")
	f.Duration("llm-timeout", 120*time.Second, "Deadline for each model call (0 disables)")
	f.Int("image-max-tokens", 1000, "max_tokens for image analysis calls")
	f.String("sheet-id", "", "Google Sheets spreadsheet ID for the interaction log (empty disables)")
	f.String("sheet-range", "Sheet1!A:F", "Sheet range rows are appended to")
	f.String("google-credentials", "", "Service account JSON, base64 JSON or file path (or set GOOGLE_CREDENTIALS)")
	f.String("log-timezone", "America/Los_Angeles", "Time zone for interaction log timestamps")
	f.Duration("log-write-timeout", 10*time.Second, "Deadline for each interaction log append")
	f.StringP("lang", "l", "en", "Default language for user-facing messages (en, es)")
	f.StringSlice("cors-origins", []string{"chrome-extension://*"}, "Allowed CORS origins; a trailing * matches by prefix")
	f.String("admin-password-hash", "", "bcrypt hash of the admin password (empty disables /admin)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export graded submissions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "someta.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("SOMETA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm-key", "SOMETA_LLM_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("google-credentials", "SOMETA_GOOGLE_CREDENTIALS", "GOOGLE_CREDENTIALS")

	v.SetConfigName("someta")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/someta")
	v.AddConfigPath("/etc/someta")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("error reading .env file", "error", err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	loadDotEnv()
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := prompts.Load(prompts.Templates); err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics := metrics.NewPipelineMetrics(reg)

	sinks := []logsink.Sink{db}
	if sheetID := v.GetString("sheet-id"); sheetID != "" {
		w, err := newSheetsWriter(ctx, v, sheetID)
		if err != nil {
			return err
		}
		sinks = append(sinks, w)
		slog.Info("interaction log enabled", "sheet_id", sheetID, "range", v.GetString("sheet-range"))
	} else {
		slog.Warn("no sheet-id configured, interactions are only logged locally")
	}
	recorder := logsink.NewRecorder(v.GetDuration("log-write-timeout"), pipelineMetrics, sinks...)

	apiKey := v.GetString("llm-key")
	if apiKey == "" {
		slog.Warn("no LLM API key configured")
	}
	llmClient := llm.New(llm.Config{
		BaseURL:        v.GetString("llm-url"),
		APIKey:         apiKey,
		Models:         llm.Models{Standard: v.GetString("llm-model"), Meta: v.GetString("meta-model")},
		Timeout:        v.GetDuration("llm-timeout"),
		ImageMaxTokens: v.GetInt("image-max-tokens"),
		Metrics:        metrics.NewGatewayMetrics(reg),
	})
	models := llmClient.Models()

	dispatcher := dispatch.New(llmClient, models, recorder, pipelineMetrics)
	aggregator := submission.NewAggregator(
		submission.NewAnalyzer(llmClient, models.Standard),
		llmClient, models.Standard, db, recorder, pipelineMetrics,
	)

	serverCfg := model.ServerConfig{
		Version:       version,
		CORSOrigins:   v.GetStringSlice("cors-origins"),
		AdminPassHash: v.GetString("admin-password-hash"),
	}
	h := handler.New(dispatcher, aggregator, db, serverCfg)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(handler.CORS(serverCfg.CORSOrigins))
	r.Use(appI18n.Middleware)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"version", version,
		"model", models.Standard,
		"meta_model", models.Meta,
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"cors_origins", serverCfg.CORSOrigins,
		"admin", serverCfg.AdminPassHash != "",
	)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func newSheetsWriter(ctx context.Context, v *viper.Viper, sheetID string) (*sheets.Writer, error) {
	loc, err := time.LoadLocation(v.GetString("log-timezone"))
	if err != nil {
		return nil, fmt.Errorf("load log timezone: %w", err)
	}
	opts, err := sheets.CredentialOptions(v.GetString("google-credentials"))
	if err != nil {
		return nil, fmt.Errorf("google credentials: %w", err)
	}
	w, err := sheets.New(ctx, sheetID, v.GetString("sheet-range"), loc, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets client: %w", err)
	}
	return w, nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	loadDotEnv()
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportSubmissions()
	if err != nil {
		return fmt.Errorf("export submissions: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	slog.Info("exported submissions", "count", export.Count, "sessions", len(export.Sessions))
	return nil
}
