package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"auteur/pkg/agent"
	"auteur/pkg/agent/llm"
	"auteur/pkg/config"
	"auteur/pkg/eventlog"
	"auteur/pkg/logx"
	"auteur/pkg/metrics"
	"auteur/pkg/persistence"
	"auteur/pkg/server"
	"auteur/pkg/session"
	"auteur/pkg/voice/tts"
)

// serve wires every component from cfg and blocks until SIGINT/SIGTERM.
func serve(parent context.Context, cfg *config.Config) error {
	logger := logx.NewLogger("auteur")
	cfg.LogSummary()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		observers []session.Observer
		extra     []llm.Middleware
		recorder  *metrics.Recorder
		journal   *persistence.Journal
	)

	if !cfg.Metrics.Disabled {
		recorder = metrics.NewRecorder()
		observers = append(observers, recorder)
		extra = append(extra, metrics.Middleware(recorder, nil, logx.NewLogger("llm-metrics")))
	}

	if cfg.EventLog.Enabled {
		w, err := eventlog.NewWriter(cfg.EventLog.Dir)
		if err != nil {
			return logx.Wrap(err, "failed to open event log")
		}
		defer func() {
			if err := w.Close(); err != nil {
				logger.Warn("Failed to close event log: %v", err)
			}
		}()
		observers = append(observers, w)
		logger.Info("Recording session events to %s", w.GetCurrentLogFile())
	}

	if cfg.Persistence.Enabled {
		j, err := persistence.Open(cfg.Persistence.DBPath, persistence.DefaultQueueSize)
		if err != nil {
			return logx.Wrap(err, "failed to open session journal")
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn("Failed to close session journal: %v", err)
			}
		}()
		journal = j
		observers = append(observers, j)
	}

	client, err := agent.NewLLMClient(&cfg.Agent, extra...)
	if err != nil {
		return logx.Wrap(err, "failed to create LLM client")
	}

	ttsOpts := tts.Options{
		Voice:      cfg.Voice.Voice,
		Model:      cfg.Voice.TTSModel,
		Language:   cfg.Voice.Language,
		SampleRate: cfg.Voice.SampleRate,
	}
	var provider tts.Provider
	if cfg.HasTTS() {
		key, keyErr := config.GetAPIKey(config.ProviderCartesia)
		if keyErr != nil {
			logger.Warn("Speech synthesis disabled, agent replies will be text only: %v", keyErr)
		} else {
			provider = tts.NewCartesia(key, ttsOpts)
		}
	}

	tracker := session.NewTracker(ctx, session.TrackerConfig{
		Client:       client,
		AgentOptions: agent.OptionsFromConfig(&cfg.Agent),
		SpeakQueue:   cfg.Agent.SpeakQueue,
		EventBuffer:  cfg.Session.EventBuffer,
		TTS:          provider,
		TTSOptions:   ttsOpts,
		Session: session.Options{
			Greeting:           cfg.Agent.Greeting,
			UserIdentityPrefix: cfg.Agent.UserIdentityPrefix,
			TimestampFencing:   cfg.Session.TimestampFencing,
			Observers:          observers,
		},
	})
	defer tracker.CloseAll()

	srv := server.New(cfg.Server, server.Deps{
		Tracker:  tracker,
		Recorder: recorder,
		Journal:  journal,
	})
	logger.Info("Auteur serving on %s with model %s", cfg.Server.Addr, client.GetModelName())
	return srv.ListenAndServe(ctx)
}
