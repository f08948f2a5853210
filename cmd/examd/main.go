package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/examd/internal/auth"
	"github.com/pavelanni/examd/internal/handler"
	appI18n "github.com/pavelanni/examd/internal/i18n"
	"github.com/pavelanni/examd/internal/llm"
	"github.com/pavelanni/examd/internal/llm/prompts"
	"github.com/pavelanni/examd/internal/service"
	"github.com/pavelanni/examd/internal/store"
	"github.com/pavelanni/examd/internal/sweeper"
)

const jwtSecretKey = "jwt_secret"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("error reading .env file", "error", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "examd",
		Short: "Exam administration backend with LLM-assisted grading",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), importCmd(), createAdminCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `examd --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "examd.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.Duration("llm-timeout", 60*time.Second, "Timeout for a single grading or generation call")
	f.Bool("skip-llm-check", false, "Start without checking the LLM endpoint")
	f.String("jwt-secret", "", "HMAC secret for access tokens (generated and stored in the database if empty)")
	f.String("jwt-issuer", "examd", "Issuer claim of access tokens")
	f.Duration("token-ttl", time.Hour, "Access token lifetime")
	f.Bool("allow-admin-signup", false, "Allow self-registration with the admin role")
	f.String("admin-email", "admin@examd.local", "Email of the seeded admin user")
	f.String("admin-password", "", "Initial admin password (or set EXAMD_ADMIN_PASSWORD)")
	f.StringP("lang", "l", "en", "Default language of API messages (en, ru)")
	f.String("sweep-schedule", sweeper.DefaultSchedule, "Cron schedule for terminating overdue sessions")
	f.Duration("sweep-grace", 2*time.Minute, "Extra time allowed past an exam's duration")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export exam results as JSON or YAML",
		RunE:  runExport,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.Int64("exam-id", 0, "Exam to export (required)")
	f.StringP("format", "f", "json", "Output format (json, yaml)")
	f.String("prompt-variant", string(prompts.PromptStandard), "Prompt variant included in export metadata")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")

	_ = cmd.MarkFlagRequired("exam-id")

	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import questions from JSON files into an exam",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addCommonFlags(cmd)
	cmd.Flags().Int64("exam-id", 0, "Exam to add the questions to (required)")
	_ = cmd.MarkFlagRequired("exam-id")
	return cmd
}

func createAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin account",
		RunE:  runCreateAdmin,
	}
	addCommonFlags(cmd)
	f := cmd.Flags()
	f.String("username", "", "Username (required)")
	f.String("email", "", "Email (required)")
	f.String("password", "", "Password (or set EXAMD_PASSWORD)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
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

	v.SetEnvPrefix("EXAMD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examd")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examd")
	v.AddConfigPath("/etc/examd")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	secret := v.GetString("jwt-secret")
	if secret == "" {
		secret, err = db.EnsureSecret(jwtSecretKey)
		if err != nil {
			return fmt.Errorf("load jwt secret: %w", err)
		}
	}
	issuer, err := auth.NewIssuer(secret, v.GetString("jwt-issuer"), v.GetDuration("token-ttl"))
	if err != nil {
		return fmt.Errorf("create token issuer: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	slog.Debug("loaded message catalogs", "languages", appI18n.Languages())

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	llmClient, err := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		promptVariant,
	)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if v.GetBool("skip-llm-check") {
		slog.Warn("skipping LLM health check")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := llmClient.Ping(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	svc := service.New(db, llmClient, llmClient, issuer, service.Config{
		LLMTimeout:       v.GetDuration("llm-timeout"),
		AllowAdminSignup: v.GetBool("allow-admin-signup"),
		Grace:            v.GetDuration("sweep-grace"),
	})

	if err := seedAdmin(db, svc, v.GetString("admin-email"), v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	sw, err := sweeper.New(db, v.GetString("sweep-schedule"), v.GetDuration("sweep-grace"))
	if err != nil {
		return fmt.Errorf("create session sweeper: %w", err)
	}
	sw.Start()
	defer sw.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	handler.New(svc, db).Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"model", v.GetString("llm-model"),
			"llm_url", v.GetString("llm-url"),
			"prompt_variant", promptVariant,
			"lang", lang,
			"sweep_schedule", v.GetString("sweep-schedule"),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	svc := service.New(db, nil, nil, nil, service.Config{})
	export, err := svc.ExportExam(context.Background(), v.GetInt64("exam-id"), v.GetString("prompt-variant"))
	if err != nil {
		return fmt.Errorf("export exam: %w", err)
	}

	var data []byte
	switch strings.ToLower(v.GetString("format")) {
	case "json":
		data, err = json.MarshalIndent(export, "", "  ")
	case "yaml", "yml":
		data, err = yaml.Marshal(export)
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", v.GetString("format"))
	}
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
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
	if len(data) > 0 && data[len(data)-1] != '\n' {
		_, _ = fmt.Fprintln(w)
	}
	slog.Info("exported exam results", "exam_id", export.ExamID, "sessions", len(export.Results))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	svc := service.New(db, nil, nil, nil, service.Config{})
	examID := v.GetInt64("exam-id")
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		res, err := svc.ImportQuestions(context.Background(), examID, path, data)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		if res.Skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: unchanged, skipped\n", path)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: imported %d questions\n", path, res.Imported)
	}
	return nil
}

func runCreateAdmin(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	password := v.GetString("password")
	if password == "" {
		return fmt.Errorf("password is required: set --password flag or EXAMD_PASSWORD env var")
	}

	svc := service.New(db, nil, nil, nil, service.Config{})
	u, err := svc.CreateAdmin(context.Background(), service.RegisterInput{
		Username: v.GetString("username"),
		Email:    v.GetString("email"),
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (id %d)\n", u.Username, u.ID)
	return nil
}

func seedAdmin(db *store.Store, svc *service.Service, email, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or EXAMD_ADMIN_PASSWORD env var")
	}

	_, err = svc.CreateAdmin(context.Background(), service.RegisterInput{
		Username: "admin",
		Email:    email,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin", "email", email)
	return nil
}
