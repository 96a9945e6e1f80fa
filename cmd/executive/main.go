// Command executive runs the EVA Executive daemon: the memory pipeline
// HTTP surface (/health, /events, /respond, /insight, /jobs/run) backed
// by the append-only working-memory log, the short-term and semantic
// SQLite stores, and the sqlite-vec long-term vector tables.
//
// Grounded on memory-service/cmd/memory-service/main.go's Service+mux
// startup shape and its signal.Notify/server.Shutdown graceful-shutdown
// pattern in the teacher repo.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/deflagg/eva-sub002/internal/config"
	"github.com/deflagg/eva-sub002/internal/executivehttp"
	"github.com/deflagg/eva-sub002/internal/modelclient"
	"github.com/deflagg/eva-sub002/internal/semantic"
	"github.com/deflagg/eva-sub002/internal/shortterm"
	"github.com/deflagg/eva-sub002/internal/tags"
	"github.com/deflagg/eva-sub002/internal/tone"
	"github.com/deflagg/eva-sub002/internal/trace"
	"github.com/deflagg/eva-sub002/internal/vectorstore"
	"github.com/deflagg/eva-sub002/internal/wm"
	"github.com/deflagg/eva-sub002/internal/writequeue"
)

func main() {
	configPath := flag.String("config", "", "path to executive.yaml")
	persona := flag.String("persona", "eva", "persona name embedded in the system prompt")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("executive: load config: %v", err)
	}

	if err := os.MkdirAll(cfg.Memory.Dir, 0o755); err != nil {
		log.Fatalf("executive: create memory dir %s: %v", cfg.Memory.Dir, err)
	}

	workingLog := wm.New(filepath.Join(cfg.Memory.Dir, "working_memory.log"))
	queue := writequeue.New()
	defer queue.Close()

	shortTermStore, err := shortterm.Open(filepath.Join(cfg.Memory.Dir, "short_term_memory.db"))
	if err != nil {
		log.Fatalf("executive: open short-term store: %v", err)
	}
	defer shortTermStore.Close()

	longTermDir := filepath.Join(cfg.Memory.Dir, "long_term_memory_db")
	if err := os.MkdirAll(longTermDir, 0o755); err != nil {
		log.Fatalf("executive: create long-term dir %s: %v", longTermDir, err)
	}

	semanticStore, err := semantic.Open(filepath.Join(longTermDir, "semantic_memory.db"))
	if err != nil {
		log.Fatalf("executive: open semantic store: %v", err)
	}
	defer semanticStore.Close()

	vectors, err := vectorstore.Open(filepath.Join(longTermDir, "long_term.sqlite3"), 64)
	if err != nil {
		log.Fatalf("executive: open vector store: %v", err)
	}
	defer vectors.Close()

	whitelist, err := tags.Load(filepath.Join(cfg.Memory.Dir, "experience_tags.json"), "misc")
	if err != nil {
		log.Fatalf("executive: load tag whitelist: %v", err)
	}

	toneCache, err := tone.Load(filepath.Join(cfg.Memory.Dir, "tone_cache.json"))
	if err != nil {
		log.Fatalf("executive: load tone cache: %v", err)
	}

	model := modelclient.Default(modelclient.Config{})
	traceLogger := trace.New(
		filepath.Join(cfg.Memory.Dir, "trace.jsonl"),
		filepath.Join(cfg.Memory.Dir, "trace_config.yaml"),
	)

	srv := executivehttp.New(executivehttp.Deps{
		Config: cfg,
		Log: workingLog,
		Queue: queue,
		ShortTerm: shortTermStore,
		Semantic: semanticStore,
		Vectors: vectors,
		Whitelist: whitelist,
		ExperienceTagRules: tags.DefaultExperienceRules(),
		PersonalityTagRules: tags.DefaultPersonalityRules(),
		Tone: toneCache,
		Model: model,
		Trace: traceLogger,
		Persona: *persona,
		AssetsDir: filepath.Join(cfg.Memory.Dir, "assets"),
	})

	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Mux(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("executive: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	log.Printf("executive listening on :%d (memory: %s)", cfg.Server.Port, cfg.Memory.Dir)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("executive: server error: %v", err)
	}
}
