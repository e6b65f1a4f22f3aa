// Command agent runs the voice-agent room orchestrator daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"voxhall/internal/adapter/bus"
	"voxhall/internal/adapter/llm"
	"voxhall/internal/adapter/media"
	"voxhall/internal/adapter/speech"
	"voxhall/internal/domain"
	"voxhall/internal/infra/config"
	"voxhall/internal/infra/logger"
	"voxhall/internal/infra/tracer"
	"voxhall/internal/usecase/audio"
	"voxhall/internal/usecase/eventbus"
	"voxhall/internal/usecase/manager"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	// Provider singletons. Ones without credentials register as unavailable
	// and do not block startup.
	llmRegistry := llm.NewRegistry(cfg.LLM, log)
	speechRegistry := speech.NewRegistry(cfg.TTS, cfg.STT, log)

	events := eventbus.New(eventbus.DefaultQueueSize, log)
	defer events.Close()

	dialer := media.NewDialer(cfg.Media, log)

	mgr := manager.New(manager.Options{
		GlobalAgentCap:   cfg.Agents.GlobalCap,
		PerRoomAgentCap:  cfg.Rooms.PerRoomAgentCap,
		HistoryCap:       cfg.Agents.HistoryCap,
		SpeechQueueCap:   cfg.Agents.SpeechQueueCap,
		TurnQueueCap:     cfg.Rooms.TurnQueueCap,
		SpeakingLimit:    cfg.Rooms.SpeakingTimeLimit,
		LogCap:           cfg.Rooms.ConversationLog,
		ConfidenceFloor:  cfg.STT.ConfidenceFloor,
		STTLanguage:      cfg.STT.Language,
		LLMTimeout:       cfg.LLM.Timeout,
		TTSTimeout:       cfg.TTS.Timeout,
		STTTimeout:       cfg.STT.Timeout,
		EgressChunkBytes: cfg.Audio.EgressBufferBytes,
		IngressBucket:    cfg.Audio.IngressBucket,
		VADThreshold:     cfg.Audio.VADThreshold,
		Events:           events,
		Dialer:           dialer,
		Transcoder:       audio.NewFFmpegTranscoder(cfg.Audio.FFmpegPath),
		Providers: manager.ProviderResolvers{
			LLM:         llmRegistry.Get,
			TTS:         speechRegistry.TTS,
			STT:         speechRegistry.STT,
			TokenTotals: llmRegistry.Totals,
		},
		Logger: log,
	})
	defer mgr.Close()

	dialer.OnDown = func(client domain.MediaRoomClient, cause error) {
		mgr.HandleMediaDown(client, cause)
	}

	// The external bus is optional: without it the core still serves
	// in-process callers.
	messageBus, err := bus.New(cfg.Bus.RedisURL, cfg.Bus.PublishQueue, log)
	if err != nil {
		return err
	}
	if err := messageBus.Connect(ctx); err != nil {
		log.Warn("message bus unavailable, running standalone", "err", err)
	} else {
		defer messageBus.Close()
		if err := mgr.BindBus(ctx, messageBus); err != nil {
			return err
		}
		log.Info("control topics bound", "redis", cfg.Bus.RedisURL)
	}

	log.Info("orchestrator up",
		"agent_cap", cfg.Agents.GlobalCap,
		"room_cap", cfg.Rooms.PerRoomAgentCap,
		"media", cfg.Media.URL,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	})
	return g.Wait()
}
