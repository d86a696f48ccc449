package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/clinvoice/backend/internal/config"
	"github.com/clinvoice/backend/internal/handler"
	"github.com/clinvoice/backend/internal/handler/voice"
	"github.com/clinvoice/backend/internal/model/s2s"
	"github.com/clinvoice/backend/internal/service/audio"
	"github.com/clinvoice/backend/internal/service/metering"
	patientsvc "github.com/clinvoice/backend/internal/service/patient"
	"github.com/clinvoice/backend/internal/service/session"
	"github.com/clinvoice/backend/internal/store"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "clinvoice",
		Short: "Clinical voice assistant backend",
		Long:  "Streams clinical voice conversations to a speech-to-speech model and aggregates the patient records its tools return.",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(talkCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}
	return config.Load()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server with the browser voice bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if !cfg.Model.Enabled() {
				log.Println("MODEL_WS_URL not set; sessions will fail to start until it is configured")
			}

			tools, err := s2s.LoadToolConfig(cfg.Model.ToolCatalog)
			if err != nil {
				return fmt.Errorf("load tool catalog: %w", err)
			}

			var sinks []session.Sink
			if cfg.Store.Path != "" {
				eventStore, err := store.NewEventStore(cfg.Store.Path)
				if err != nil {
					return fmt.Errorf("open event store: %w", err)
				}
				defer eventStore.Close()
				sinks = append(sinks, eventStore)
				log.Printf("persisting session events to %s", cfg.Store.Path)
			}

			meter := metering.NewCollector()
			registry := session.NewRegistry()
			defer registry.CloseAll()

			factory := voice.Factory(func(player session.Player) (*session.Engine, *patientsvc.Aggregator) {
				agg := patientsvc.NewAggregator()
				transport := session.NewWebsocketTransport(session.WebsocketConfig{
					URL:         cfg.Model.WebsocketURL,
					APIKey:      cfg.Model.APIKey,
					IdleTimeout: cfg.Model.IdleTimeout,
				})
				engine := session.NewEngine(session.Config{
					SystemPrompt: cfg.Model.SystemPrompt,
					VoiceID:      cfg.Model.VoiceID,
					Inference:    cfg.Model.Inference,
					Tools:        tools,
				}, transport, player, agg, meter, nil, sinks...)
				return engine, agg
			})

			router := handler.NewRouter(registry, factory, meter)
			return startServer(ctx, cfg.Server, router)
		},
	}
}

func talkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "talk",
		Short: "Hold a voice conversation from this terminal",
		Long:  "Captures microphone audio with ffmpeg, streams it to the model, and plays the spoken replies with ffplay.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if !cfg.Model.Enabled() {
				return errors.New("MODEL_WS_URL is required for a live conversation")
			}

			tools, err := s2s.LoadToolConfig(cfg.Model.ToolCatalog)
			if err != nil {
				return fmt.Errorf("load tool catalog: %w", err)
			}

			return runTalk(ctx, cfg, tools)
		},
	}
}

// runTalk wires the local audio path: microphone capture into the session,
// assistant audio out through the speaker.
func runTalk(ctx context.Context, cfg *config.Config, tools s2s.ToolConfig) error {
	speaker := audio.NewFFplaySpeaker(s2s.OutputSampleRate)
	player := audio.NewPlayer(speaker, audio.PlaybackConfig{})

	mic := audio.NewFFmpegMicrophone(cfg.Audio.NativeRate, cfg.Audio.InputName)
	pipeline := audio.NewCapturePipeline(mic, audio.CaptureConfig{
		NativeRate: cfg.Audio.NativeRate,
		QueueDepth: cfg.Audio.QueueDepth,
	})

	agg := patientsvc.NewAggregator()
	meter := metering.NewCollector()
	transport := session.NewWebsocketTransport(session.WebsocketConfig{
		URL:         cfg.Model.WebsocketURL,
		APIKey:      cfg.Model.APIKey,
		IdleTimeout: cfg.Model.IdleTimeout,
	})
	engine := session.NewEngine(session.Config{
		SystemPrompt: cfg.Model.SystemPrompt,
		VoiceID:      cfg.Model.VoiceID,
		Inference:    cfg.Model.Inference,
		Tools:        tools,
	}, transport, player, agg, meter, nil)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer engine.End()

	go player.Run(ctx)

	captureErr := make(chan error, 1)
	go func() { captureErr <- pipeline.Run(ctx) }()
	defer pipeline.Stop()

	go func() {
		for frame := range pipeline.Frames() {
			if err := engine.SendAudioFrame(frame); err != nil {
				if errors.Is(err, session.ErrSessionEnded) {
					return
				}
				// Frames offered outside the open audio unit are dropped.
				if !errors.Is(err, session.ErrAudioNotOpen) {
					log.Printf("[talk] audio frame: %v", err)
				}
			}
		}
	}()

	log.Printf("[talk] session %s live; press Ctrl-C to hang up", engine.ID)

	select {
	case <-ctx.Done():
	case <-engine.Done():
	case err := <-captureErr:
		if err != nil {
			log.Printf("[talk] capture: %v", err)
		}
	}

	engine.End()
	printSummary(engine, meter)
	return nil
}

func printSummary(engine *session.Engine, meter *metering.Collector) {
	for _, turn := range engine.Transcript().Turns() {
		if !turn.Display() {
			continue
		}
		fmt.Printf("%s: %s\n", turn.Role, turn.Text)
	}
	if usage, ok := meter.Session(engine.ID); ok {
		fmt.Printf("tokens: %d in, %d out, %d total\n",
			usage.TotalInputTokens, usage.TotalOutputTokens, usage.TotalTokens)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("clinvoice", version)
		},
	}
}

func startServer(ctx context.Context, serverCfg config.Server, router http.Handler) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("clinvoice backend listening on %s", serverCfg.Addr)
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
