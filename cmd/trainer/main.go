package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/haiminh-dev/aptis-trainer/internal/bank"
	"github.com/haiminh-dev/aptis-trainer/internal/capture"
	"github.com/haiminh-dev/aptis-trainer/internal/handler"
	appI18n "github.com/haiminh-dev/aptis-trainer/internal/i18n"
	"github.com/haiminh-dev/aptis-trainer/internal/llm"
	"github.com/haiminh-dev/aptis-trainer/internal/llm/prompts"
	"github.com/haiminh-dev/aptis-trainer/internal/profile"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "trainer",
		Short: "APTIS speaking and writing practice powered by LLMs",
	}

	serve := serveCmd()
	root.AddCommand(serve, partsCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `trainer --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP practice server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("image-model", "", "Image model for topic illustrations (empty = placeholders)")
	f.StringP("lang", "l", "en", "UI language (en, vi)")
	f.String("feedback-lang", string(prompts.FeedbackVietnamese), "Language the LLM writes feedback in (vietnamese, english)")
	f.String("ffmpeg", "ffmpeg", "Path to the ffmpeg binary for audio capture")
	f.String("audio-format", "pulse", "ffmpeg input format (pulse, alsa, avfoundation)")
	f.String("audio-device", "default", "ffmpeg input device name")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func partsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parts",
		Short: "List practice parts and their question banks",
		RunE:  runParts,
	}
	f := cmd.Flags()
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

	v.SetEnvPrefix("TRAINER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("trainer")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/trainer")
	v.AddConfigPath("/etc/trainer")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	profiles, err := profile.Load()
	if err != nil {
		return fmt.Errorf("load part profiles: %w", err)
	}

	b, err := bank.Open()
	if err != nil {
		return fmt.Errorf("open question bank: %w", err)
	}
	defer b.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	feedbackLang := strings.ToLower(strings.TrimSpace(v.GetString("feedback-lang")))
	if !prompts.IsValidLanguage(feedbackLang) {
		slog.Warn("invalid feedback-lang, using vietnamese", "lang", feedbackLang)
		feedbackLang = string(prompts.FeedbackVietnamese)
	}

	llmClient := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		v.GetString("image-model"),
		prompts.FeedbackLanguage(feedbackLang),
	)
	if err := llmClient.Ping(cmd.Context()); err != nil {
		// Evaluation degrades to fallback results, so a dead endpoint
		// is not fatal for practicing.
		slog.Warn("LLM health check failed", "url", v.GetString("llm-url"), "error", err)
	} else {
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	device := capture.NewFFmpegDevice(capture.FFmpegConfig{
		Command:     v.GetString("ffmpeg"),
		InputFormat: v.GetString("audio-format"),
		InputDevice: v.GetString("audio-device"),
	})

	h := handler.New(profiles, b, llmClient, llmClient, device, lang)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"model", v.GetString("llm-model"),
			"llm_url", v.GetString("llm-url"),
			"lang", lang,
			"feedback_lang", feedbackLang,
		)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func runParts(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)

	profiles, err := profile.Load()
	if err != nil {
		return fmt.Errorf("load part profiles: %w", err)
	}
	b, err := bank.Open()
	if err != nil {
		return fmt.Errorf("open question bank: %w", err)
	}
	defer b.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PART\tSECTION\tCAPTURE\tRESPONSE\tITEMS")
	for _, p := range profiles.Parts() {
		count, err := b.Count(p.Part)
		if err != nil {
			return fmt.Errorf("count %s items: %w", p.Part, err)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%ds\t%d\n", p.Part, p.Section, p.Capture, p.ResponseSeconds, count)
	}
	return w.Flush()
}
