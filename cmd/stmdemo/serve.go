package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cobaltdb/stmcore/pkg/runtime"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose /metrics, /debug/snapshot and a /ws commit-event stream",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to the loaded config's metrics_addr)")
}

// wireEvent is the JSON shape streamed to /ws clients.
type wireEvent struct {
	Stamp     uint64    `json:"stamp"`
	Triggered int       `json:"triggered"`
	At        time.Time `json:"at"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := runtime.LoadConfig("STMCORE")
	if err != nil {
		return err
	}
	rt := runtime.New(cfg)
	defer rt.Close()

	addr := serveAddr
	if addr == "" {
		addr = cfg.MetricsAddr
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/debug/snapshot", func(w http.ResponseWriter, req *http.Request) {
		body, err := runtime.EncodeSnapshot(rt.Snapshot())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/zstd")
		w.Write(body)
	})

	r.Get("/debug/snapshot.json", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rt.Snapshot())
	})

	r.Get("/ws", handleWatch(rt))

	httpSrv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Printf("stmdemo serve listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("stmdemo serve: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

// handleWatch upgrades to a WebSocket and relays rt's commit events
// until the client disconnects, grounded in
// mnohosten-laura-db/pkg/server/handlers.HandleChangeStream.
func handleWatch(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Printf("stmdemo: upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		events, cancel := rt.SubscribeCommits()
		defer cancel()

		for ev := range events {
			msg := wireEvent{Stamp: uint64(ev.Stamp), Triggered: ev.Triggered, At: ev.At}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
