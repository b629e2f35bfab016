package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/astromechza/seqtext/pkg/document"
	"github.com/astromechza/seqtext/pkg/hub"
	"github.com/astromechza/seqtext/pkg/op"
	"github.com/astromechza/seqtext/pkg/registry"
	"github.com/astromechza/seqtext/pkg/relay"
	"github.com/astromechza/seqtext/pkg/snapshot"
	"github.com/astromechza/seqtext/pkg/storage"
	"github.com/astromechza/seqtext/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", envOr("DATABASE_URL", "seqtext.sqlite3"), "a sqlite file path or postgres:// url to back documents up to")
	redisVar := flag.String("redis", os.Getenv("REDIS_ADDR"), "a redis address to relay operations between servers through, if any")
	siteVar := flag.String("site", "origin", "the site that seeds documents; servers sharing a relay must agree on it")
	backupVar := flag.Duration("backup-interval", 5*time.Second, "how often to back documents up")
	dumpVar := flag.Bool("dump", false, "dump a snapshot and svg of every document on shutdown")
	debugVar := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debugVar {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening database")
	store, err := storage.Open(ctx, *dbVar)
	if err != nil {
		return err
	}
	defer store.Close()

	s := &server{
		store:    store,
		registry: registry.New(*siteVar),
	}
	hubOpts := []hub.Option{hub.WithSeed(s.seed), hub.WithLogger(slog.Default().With("component", "hub"))}

	wg := new(sync.WaitGroup)

	var rl *relay.Relay
	if *redisVar != "" {
		if rl, err = relay.Dial(ctx, *redisVar, uuid.NewString()); err != nil {
			return err
		}
		defer rl.Close()
		hubOpts = append(hubOpts, hub.WithPublisher(rl))
		slog.Info("Relaying through redis", "addr", *redisVar)
	}
	s.hub = hub.New(s.registry, hubOpts...)
	if rl != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rl.Run(ctx, func(doc string, o op.Operation) {
				res := s.hub.Deliver(doc, o)
				slog.Debug("relayed", "doc", doc, "op", o, "result", res)
			}); err != nil {
				slog.Error("relay stopped", "err", err)
			}
		}()
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	s.routes(r)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(*backupVar)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.backup(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{
		Addr:    *addrVar,
		Handler: r,
		// websocket connections are hijacked, so they only stop when this is cancelled
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	// the ticker context is gone, so take a fresh one for the final backup
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finalCancel()
	s.backup(finalCtx)

	if *dumpVar {
		s.dump()
	}
	return nil
}

// backup saves every open document that changed since the last save.
func (s *server) backup(ctx context.Context) {
	for _, id := range s.registry.IDs() {
		if changed, err := s.save(ctx, id); err != nil {
			slog.Error("failed to backup doc in database", "doc", id, "err", err)
		} else if changed {
			doc, _ := s.registry.Get(id)
			slog.Info("backed up", "doc", id, "length", doc.Len(), "stats", doc.Stats())
		}
	}
}

func (s *server) dump() {
	s.registry.Range(func(id string, doc *document.Document) bool {
		state, ok := s.registry.State(id)
		if !ok {
			return true
		}
		raw, err := snapshot.Encode(state)
		if err != nil {
			slog.Error("failed to dump", "doc", id, "err", err)
			return true
		}
		tf := filepath.Join(os.TempDir(), fmt.Sprintf("%s.automerge", id))
		if err := os.WriteFile(tf, raw, 0o644); err != nil {
			slog.Error("failed to dump", "doc", id, "err", err)
			return true
		}
		slog.Info("dumped", "doc", id, "path", tf)
		if svgPath, err := viz.RenderToTemp(doc.Elements()); err != nil {
			slog.Error("failed to render", "doc", id, "err", err)
		} else {
			slog.Info("rendered", "doc", id, "path", "file://"+svgPath)
		}
		return true
	})
}
