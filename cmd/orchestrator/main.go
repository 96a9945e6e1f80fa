// Command orchestrator runs the EVA Orchestrator daemon: it supervises
// the Executive and Detector child processes, hosts the `/eye` frame
// WebSocket hub, and thin-proxies /text and /speech to the Executive.
//
// Grounded on memory-service/cmd/memory-service/main.go's envOr config
// loading and graceful-shutdown pattern in the teacher repo, extended
// with golang.org/x/sync/errgroup to coordinate the HTTP server, the
// Detector's reconnect loop, and the OS-signal wait concurrently (the
// teacher's single-process memory-service has no child processes to
// supervise and so never needed this).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deflagg/eva-sub002/internal/framerouter"
	"github.com/deflagg/eva-sub002/internal/orchestratorhttp"
	"github.com/deflagg/eva-sub002/internal/supervisor"
)

// config holds Orchestrator-specific settings read from the environment,
// the way the teacher's memory-service loads its own Config with envOr.
type config struct {
	Port string
	ExecutiveURL string
	ExecutiveCommand string
	ExecutiveArgs []string
	DetectorURL string
	DetectorCommand string
	DetectorArgs []string
	ReadyTimeout time.Duration
}

func loadConfig() config {
	return config{
		Port: envOr("ORCHESTRATOR_PORT", "8090"),
		ExecutiveURL: envOr("EVA_EXECUTIVE_URL", "http://127.0.0.1:8091"),
		ExecutiveCommand: envOr("EVA_EXECUTIVE_COMMAND", "./executive"),
		DetectorURL: envOr("EVA_DETECTOR_URL", "ws://127.0.0.1:8092/infer"),
		DetectorCommand: envOr("EVA_DETECTOR_COMMAND", "./detector"),
		ReadyTimeout: 10 * time.Second,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// alertSpeech adapts orchestratorhttp's TTSSynth capability to
// framerouter.Speech, so a high-severity alert's speech_output push
// uses the same synthesis backend as POST /speech.
type alertSpeech struct {
	synth orchestratorhttp.TTSSynth
}

func (a alertSpeech) Synthesize(text string) ([]byte, string, error) {
	mp3, err := a.synth.Synthesize(context.Background(), text, "default", 1.0)
	if err != nil {
		return nil, "", err
	}
	return mp3, "audio/mpeg", nil
}

func main() {
	cfg := loadConfig()

	sup := supervisor.New([]supervisor.ChildSpec{
		{
			Name: "executive",
			Command: cfg.ExecutiveCommand,
			Args: cfg.ExecutiveArgs,
			HealthURL: cfg.ExecutiveURL + "/health",
			ReadyTimeout: cfg.ReadyTimeout,
		},
		{
			Name: "detector",
			Command: cfg.DetectorCommand,
			Args: cfg.DetectorArgs,
			HealthURL: "",
			ReadyTimeout: cfg.ReadyTimeout,
		},
	})

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sup.StartAll(startCtx); err != nil {
		cancelStart()
		log.Fatalf("orchestrator: start children: %v", err)
	}
	cancelStart()
	defer sup.StopAll()

	detectorClient := framerouter.NewDetectorClient(cfg.DetectorURL)
	router := framerouter.New(detectorClient)
	detectorClient.AttachRouter(router)

	synth := &orchestratorhttp.StubSynth{}
	router.SetSpeech(alertSpeech{synth: synth}, true)

	executiveClient := &orchestratorhttp.HTTPExecutiveClient{BaseURL: cfg.ExecutiveURL}
	httpSrv := orchestratorhttp.New(orchestratorhttp.Config{}, executiveClient, synth, sup)

	mux := httpSrv.Mux()
	mux.HandleFunc("/eye", router.UIHandler)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		detectorClient.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Printf("orchestrator listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("orchestrator: server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("orchestrator: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
}
