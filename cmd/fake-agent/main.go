// ABOUTME: Minimal fake agent for local end-to-end runs of harbor-gateway
// ABOUTME: Usage: fake-agent [-addr 127.0.0.1:9090] [-delay 2s] [-fail-deploys]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9090", "listen address; point agent.url at http://<addr>/")
	delay := flag.Duration("delay", 2*time.Second, "simulated deploy duration")
	failDeploys := flag.Bool("fail-deploys", false, "answer every deploy with an error")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/", func(w http.ResponseWriter, req *http.Request) {
		var msg map[string]any
		if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		logger.Info("received", "type", msg["type"], "app", msg["app"], "deploy_id", msg["deployId"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply(req, msg, *delay, *failDeploys))
	})

	logger.Info("fake agent listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, r); err != nil {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}

func reply(req *http.Request, msg map[string]any, delay time.Duration, failDeploys bool) map[string]any {
	switch msg["type"] {
	case "deploy", "rollback":
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return map[string]any{"error": "canceled"}
		}
		if failDeploys {
			return map[string]any{"error": "simulated failure", "deployId": msg["deployId"]}
		}
		return map[string]any{"success": true, "deployId": msg["deployId"]}
	case "webhook":
		return map[string]any{"reply": fmt.Sprintf("echo from %v", msg["source"])}
	default:
		return map[string]any{"text": fmt.Sprintf("echo: %v", msg["text"])}
	}
}
