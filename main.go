package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Reverse-Call-Center/callflow-agent/agents"
	"github.com/Reverse-Call-Center/callflow-agent/audio"
	"github.com/Reverse-Call-Center/callflow-agent/config"
	"github.com/Reverse-Call-Center/callflow-agent/handlers"
	"github.com/Reverse-Call-Center/callflow-agent/llm"
	"github.com/Reverse-Call-Center/callflow-agent/observability"
	"github.com/Reverse-Call-Center/callflow-agent/orchestrator"
	"github.com/Reverse-Call-Center/callflow-agent/server"
	"github.com/Reverse-Call-Center/callflow-agent/session"
	"github.com/Reverse-Call-Center/callflow-agent/stt"
	"github.com/Reverse-Call-Center/callflow-agent/telephony"
	"github.com/Reverse-Call-Center/callflow-agent/tts"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config.json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	globalConfig, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(globalConfig)
	if err := globalConfig.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, globalConfig, logger); err != nil {
		logger.Error("Call agent stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Call agent stopped")
}

func newLogger(globalConfig *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(globalConfig.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(globalConfig.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newServices(ctx context.Context, globalConfig *config.Config, logger *slog.Logger) (agents.Services, error) {
	model, err := llm.NewGemini(ctx, globalConfig.GeminiAPIKey, globalConfig.GeminiModel)
	if err != nil {
		return agents.Services{}, err
	}
	return agents.Services{
		STT: stt.NewDeepgram(stt.DeepgramConfig{
			APIKey:     globalConfig.DeepgramAPIKey,
			Model:      globalConfig.DeepgramModel,
			Language:   globalConfig.DeepgramLanguage,
			SampleRate: audio.SampleRate,
		}, logger.With("service", "deepgram")),
		LLM: model,
		TTS: tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:   globalConfig.ElevenLabsAPIKey,
			VoiceID:  globalConfig.ElevenLabsVoiceID,
			Model:    globalConfig.ElevenLabsModel,
			Language: strings.SplitN(globalConfig.DeepgramLanguage, "-", 2)[0],
			Settings: tts.VoiceSettings{
				Stability:       globalConfig.TTSStability,
				SimilarityBoost: globalConfig.TTSSimilarity,
				Style:           globalConfig.TTSStyle,
				UseSpeakerBoost: true,
				Speed:           globalConfig.TTSSpeed,
			},
		}, &http.Client{Timeout: 30 * time.Second}),
	}, nil
}

func run(ctx context.Context, globalConfig *config.Config, logger *slog.Logger) error {
	script, err := config.LoadScript(globalConfig.ScriptPath)
	if err != nil {
		return err
	}
	services, err := newServices(ctx, globalConfig, logger)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics("callflow")
	results := session.NewResultStore()
	registry := session.NewRegistry()

	temperature := globalConfig.LLMTemperature
	manager, err := agents.NewManager(script, services, results, registry, metrics, logger, agents.Options{
		Temperature:    &temperature,
		MaxFailures:    globalConfig.LLMMaxFailures,
		FunctionRounds: globalConfig.LLMFunctionRounds,
		VAD: audio.VADParams{
			Threshold: globalConfig.VADThreshold,
			StartSecs: globalConfig.VADStartSecs,
			StopSecs:  globalConfig.VADStopSecs,
		},
		SessionTimeout: globalConfig.SessionTimeout.Std(),
		RecordingDir:   globalConfig.RecordingDir,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	options := orchestrator.Options{
		MaxCallDuration: globalConfig.MaxCallDuration.Std(),
		Keys:            manager.Graph().Keys(),
		LogNumbers:      globalConfig.LogPhoneNumbers,
	}
	var dialer telephony.Dialer
	switch globalConfig.Provider {
	case config.ProviderSIP:
		sipServer, err := server.NewSIPServer(globalConfig, logger.With("component", "sip"))
		if err != nil {
			return err
		}
		g.Go(func() error { return sipServer.Run(ctx) })
		dialer = telephony.NewSIPDialer(sipServer.Diago(), telephony.SIPConfig{
			TrunkHost:   globalConfig.SIPTrunkHost,
			Username:    globalConfig.SIPUsername,
			Password:    globalConfig.SIPPassword,
			Transport:   globalConfig.SIPProtocol,
			IdleTimeout: globalConfig.SessionTimeout.Std(),
		}, manager.Serve, logger)
	default:
		dialer = telephony.NewPlivo(telephony.PlivoConfig{
			AuthID:     globalConfig.PlivoAuthID,
			AuthToken:  globalConfig.PlivoAuthToken,
			BaseURL:    globalConfig.PlivoBaseURL,
			From:       globalConfig.FromNumber,
			CallerName: globalConfig.CallerName,
		}, logger.With("component", "plivo"))
		options.AnswerURL = func(id string) string { return globalConfig.CallbackURL("/callStream", id) }
		options.HangupURL = func(id string) string { return globalConfig.CallbackURL("/callHangup", id) }
	}
	calls := orchestrator.New(dialer, results, registry, metrics, logger, options)

	router := handlers.NewRouter(handlers.Deps{
		Calls:          calls,
		Agents:         manager,
		Sessions:       registry,
		Metrics:        metrics,
		StreamURL:      globalConfig.StreamURL,
		SessionTimeout: globalConfig.SessionTimeout.Std(),
		LogNumbers:     globalConfig.LogPhoneNumbers,
		Logger:         logger,
	})
	httpServer := server.NewHTTPServer(globalConfig.HTTPListenAddress, router, logger)
	g.Go(func() error { return httpServer.Run(ctx) })

	if globalConfig.GRPCListenAddress != "" {
		grpcServer := server.NewGRPCServer(globalConfig.GRPCListenAddress, logger)
		g.Go(func() error { return grpcServer.Run(ctx) })
	}

	logger.Info("Call agent started",
		"provider", globalConfig.Provider,
		"script", script.Name,
		"public_url", globalConfig.PublicURL,
	)
	return g.Wait()
}
