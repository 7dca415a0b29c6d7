package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/mocktest/internal/auth"
	"github.com/pavelanni/mocktest/internal/bank"
	"github.com/pavelanni/mocktest/internal/handler"
	appI18n "github.com/pavelanni/mocktest/internal/i18n"
	"github.com/pavelanni/mocktest/internal/llm"
	"github.com/pavelanni/mocktest/internal/llm/prompts"
	"github.com/pavelanni/mocktest/internal/mocktest"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/store"
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mocktest",
		Short: "Mock test assembly, scoring and analysis server",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), userAddCmd(), tokenCmd(), reportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// commonFlags registers the database and logging flags every command shares.
func commonFlags(f *pflag.FlagSet) {
	f.String("db-driver", store.DriverSQLite, "Database driver (sqlite, pgx)")
	f.String("db", "mocktest.db", "SQLite path or PostgreSQL connection string")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	commonFlags(f)
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Default language for messages (en, ru)")
	f.StringSliceP("bank", "b", nil, "Question bank files imported at startup (repeatable)")
	f.String("admin-password", "", "Initial admin password (or set MOCKTEST_ADMIN_PASSWORD)")
	f.Duration("session-ttl", store.DefaultSessionTTL, "Lifetime of login tokens")
	f.String("jwt-secret", "", "HS256 secret for bearer JWTs (empty disables JWT auth)")
	f.String("jwt-issuer", "mocktest", "Expected JWT issuer")
	f.Int("max-questions", mocktest.DefaultConfig().MaxQuestions, "Largest mock a user may request")
	f.Int("pool-factor", mocktest.DefaultConfig().PoolFactor, "Candidate pool size as a multiple of the requested count")
	f.Int("pool-ceiling", mocktest.DefaultConfig().PoolCeiling, "Upper bound on the candidate pool")
	f.String("llm-url", "", "OpenAI-compatible API base URL for the revision coach (empty disables it)")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("llm-style", string(prompts.StyleBrief), "Revision coach style (brief, detailed)")
	f.Duration("shutdown-timeout", 10*time.Second, "Grace period for in-flight requests on shutdown")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import question bank files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	commonFlags(cmd.Flags())
	return cmd
}

func userAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "useradd",
		Short: "Create a user account",
		RunE:  runUserAdd,
	}
	f := cmd.Flags()
	commonFlags(f)
	f.StringP("username", "u", "", "Login name (required)")
	f.StringP("password", "p", "", "Password (required)")
	f.String("display-name", "", "Display name (defaults to username)")
	f.String("role", string(model.UserRoleStudent), "Role (student, admin)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer JWT for an existing user",
		RunE:  runToken,
	}
	f := cmd.Flags()
	commonFlags(f)
	f.StringP("username", "u", "", "User the token is issued for (required)")
	f.String("jwt-secret", "", "HS256 signing secret (or set MOCKTEST_JWT_SECRET)")
	f.String("jwt-issuer", "mocktest", "Token issuer")
	f.Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the analysis of a mock submission as JSON",
		RunE:  runReport,
	}
	f := cmd.Flags()
	commonFlags(f)
	f.StringP("username", "u", "", "Owner of the mock (required)")
	f.Int64("mock", 0, "Mock ID (required)")
	f.Int64("submission", 0, "Submission ID (0 = latest)")
	f.Bool("advice", false, "Ask the revision coach for a study plan")
	f.String("lang", "en", "Language of the study plan")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("llm-style", string(prompts.StyleBrief), "Revision coach style (brief, detailed)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("mock")
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

	v.SetEnvPrefix("MOCKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("mocktest")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/mocktest")
	v.AddConfigPath("/etc/mocktest")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.New(v.GetString("db-driver"), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	for _, path := range v.GetStringSlice("bank") {
		if _, err := bank.Import(ctx, db, path); err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
	}
	if n, err := db.CleanupExpiredSessions(ctx); err != nil {
		slog.Warn("cleanup expired sessions", "error", err)
	} else if n > 0 {
		slog.Info("removed expired sessions", "count", n)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	coach, err := newCoach(ctx, v)
	if err != nil {
		return err
	}

	svc := mocktest.New(db, mocktest.Config{
		MaxQuestions: v.GetInt("max-questions"),
		PoolFactor:   v.GetInt("pool-factor"),
		PoolCeiling:  v.GetInt("pool-ceiling"),
	})
	sessions := auth.NewSessionResolver(db, v.GetDuration("session-ttl"))
	resolver := auth.Chain{Session: sessions}
	if secret := v.GetString("jwt-secret"); secret != "" {
		resolver.JWT = auth.NewJWTResolver(db, secret, v.GetString("jwt-issuer"))
	}
	h := handler.New(svc, db, sessions, resolver, coach)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware)
	h.Routes(r)

	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server",
			"addr", srv.Addr,
			"db_driver", v.GetString("db-driver"),
			"lang", lang,
			"jwt", resolver.JWT != nil,
			"coach", coach != nil,
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := db.CleanupExpiredSessions(gctx); err != nil {
					slog.Warn("cleanup expired sessions", "error", err)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newCoach returns nil when no LLM endpoint is configured.
func newCoach(ctx context.Context, v *viper.Viper) (*llm.Client, error) {
	url := v.GetString("llm-url")
	if url == "" {
		slog.Info("revision coach disabled")
		return nil, nil
	}
	style := strings.ToLower(strings.TrimSpace(v.GetString("llm-style")))
	if !prompts.IsValidStyle(style) {
		slog.Warn("invalid llm-style, using brief", "style", style)
		style = string(prompts.StyleBrief)
	}
	coach, err := llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"), style)
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	if err := coach.Ping(ctx); err != nil {
		return nil, fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", url, "model", v.GetString("llm-model"), "style", style)
	return coach, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	for _, path := range args {
		res, err := bank.Import(cmd.Context(), db, path)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		fmt.Fprintf(out, "%s: %s (exam %s, %d questions)\n", res.Name, res.Status, res.Exam, res.Questions)
		for _, w := range res.Warnings {
			fmt.Fprintf(out, "  warning: %s\n", w)
		}
	}
	return nil
}

func runUserAdd(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	role := model.UserRole(v.GetString("role"))
	if role != model.UserRoleStudent && role != model.UserRoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	username := v.GetString("username")
	existing, err := db.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("user %q already exists", username)
	}
	hash, err := auth.HashPassword(v.GetString("password"))
	if err != nil {
		return err
	}
	displayName := v.GetString("display-name")
	if displayName == "" {
		displayName = username
	}
	id, err := db.CreateUser(ctx, model.User{
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s %q (id %d)\n", role, username, id)
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	secret := v.GetString("jwt-secret")
	if secret == "" {
		return errors.New("jwt secret is required: set --jwt-secret flag or MOCKTEST_JWT_SECRET env var")
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	username := v.GetString("username")
	u, err := db.GetUserByUsername(cmd.Context(), username)
	if err != nil {
		return err
	}
	if u == nil || !u.Active {
		return fmt.Errorf("user %q is unknown or inactive", username)
	}
	token, err := auth.NewJWTResolver(db, secret, v.GetString("jwt-issuer")).Mint(username, v.GetDuration("ttl"))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

type reportOutput struct {
	Report *model.AnalysisReport `json:"report"`
	Advice *llm.Advice           `json:"advice,omitempty"`
}

func runReport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	username := v.GetString("username")
	u, err := db.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("user %q not found", username)
	}

	var submissionID *int64
	if id := v.GetInt64("submission"); id > 0 {
		submissionID = &id
	}
	report, err := mocktest.New(db, mocktest.DefaultConfig()).Analyze(ctx, u.ID, v.GetInt64("mock"), submissionID)
	if err != nil {
		return err
	}
	out := reportOutput{Report: report}

	if v.GetBool("advice") {
		coach, err := newCoach(ctx, v)
		if err != nil {
			return err
		}
		if coach == nil {
			return errors.New("--advice needs --llm-url")
		}
		if out.Advice, err = coach.Advise(ctx, report, v.GetString("lang")); err != nil {
			return fmt.Errorf("revision advice: %w", err)
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
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
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return errors.New("admin password is required: set --admin-password flag or MOCKTEST_ADMIN_PASSWORD env var")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: hash,
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
