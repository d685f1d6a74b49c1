// Command fanout pushes run event streams to WebSocket clients. It tails
// the same Redis streams the engine appends to, so it scales out
// independently of the orchestrator process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/iceos-ai/iceos/common/bootstrap"
	"github.com/iceos-ai/iceos/common/server"
	"github.com/iceos-ai/iceos/core/events"
	"github.com/iceos-ai/iceos/core/kv"
	"github.com/iceos-ai/iceos/core/runs"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "fanout", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap fanout: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	bus := events.NewRedisBus(components.Redis, components.Config.Engine.EventRetention, components.Logger)
	store := runs.NewStore(kv.NewRedisStore(components.Redis))

	hub := NewHub(bus, components.Logger)
	go hub.Run(ctx)

	srv := NewServer(hub, store, components.Logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := components.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"degraded"}`)
			return
		}
		fmt.Fprintf(w, `{"status":"ok","service":"fanout"}`)
	})

	httpSrv := server.New("fanout", components.Config.Service.Port, mux, components.Logger)
	if err := httpSrv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
