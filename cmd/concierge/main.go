package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/concierge-engine/internal/capture"
	"github.com/lexiqai/concierge-engine/internal/codec"
	"github.com/lexiqai/concierge-engine/internal/config"
	"github.com/lexiqai/concierge-engine/internal/device"
	"github.com/lexiqai/concierge-engine/internal/observability"
	"github.com/lexiqai/concierge-engine/internal/playback"
	"github.com/lexiqai/concierge-engine/internal/session"
	"github.com/lexiqai/concierge-engine/internal/transport"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("service_url", cfg.ServiceURL).
		Str("voice", cfg.VoiceID).
		Int("capture_rate", cfg.CaptureSampleRate).
		Int("playback_rate", cfg.PlaybackSampleRate).
		Msg("Concierge session engine starting")

	// Health and metrics endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"conversational_service": func(ctx context.Context) (bool, error) {
			if cfg.ServiceURL == "" {
				return false, fmt.Errorf("service URL not configured")
			}
			return true, nil
		},
	}))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed to start")
		}
	}()

	code := runCall(cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	os.Exit(code)
}

// runCall runs one voice session from the local devices until the user
// interrupts or the remote ends it.
func runCall(cfg *config.Config, logger zerolog.Logger) int {
	sessionID := observability.NewSessionID()
	sessionLogger := observability.WithSessionID(sessionID)

	output, err := device.OpenOutput(cfg.PlaybackSampleRate)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to acquire output device")
		return 1
	}
	defer output.Close()
	output.SetGain(cfg.PlaybackVolume)

	source := capture.NewSource(device.NewInput(), cfg.CaptureSampleRate, cfg.CaptureFrameSize, sessionLogger)
	scheduler := playback.NewScheduler(output, cfg.PlaybackSampleRate, sessionLogger)

	dial := func() (transport.Channel, error) {
		return transport.DialWS(transport.WSConfig{
			URL:    cfg.ServiceURL,
			APIKey: cfg.ServiceAPIKey,
			Session: transport.SessionConfig{
				Voice:            cfg.VoiceID,
				Instructions:     cfg.Instructions,
				TranscribeInput:  true,
				TranscribeOutput: true,
				InputDescriptor:  codec.Descriptor(cfg.CaptureSampleRate),
			},
			DialMaxAttempts: cfg.DialMaxAttempts,
			DialBackoff:     time.Duration(cfg.DialBackoffMs) * time.Millisecond,
		}, sessionLogger)
	}

	controller := session.New(session.Options{
		SessionID:         sessionID,
		Source:            source,
		Scheduler:         scheduler,
		Dial:              dial,
		CaptureSampleRate: cfg.CaptureSampleRate,
		Logger:            sessionLogger,
	})

	if err := controller.Start(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Failed to start session")
		return 1
	}

	// Print completed exchanges as they land
	go func() {
		for pair := range controller.Turns() {
			if pair.Local.Text != "" {
				fmt.Printf("you:       %s\n", pair.Local.Text)
			}
			fmt.Printf("concierge: %s\n", pair.Remote.Text)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		sessionLogger.Info().Msg("Hanging up")
		controller.Hangup()
		<-controller.Done()
	case <-controller.Done():
	}

	stats := controller.Stats()
	sessionLogger.Info().
		Int64("frames_sent", stats.FramesSent).
		Int64("turns", stats.Turns).
		Int64("interruptions", stats.Interruptions).
		Msg("Call finished")

	if err := controller.Err(); err != nil {
		logger.Error().Err(err).Msg("Session ended with error")
		return 1
	}
	return 0
}
