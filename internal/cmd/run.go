// Package cmd wires the service together: registries, the agent link, the
// HTTP server, the config watcher, and graceful shutdown.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/router-for-me/LMArenaBridge/internal/agent"
	"github.com/router-for-me/LMArenaBridge/internal/api"
	"github.com/router-for-me/LMArenaBridge/internal/bridge"
	"github.com/router-for-me/LMArenaBridge/internal/config"
	"github.com/router-for-me/LMArenaBridge/internal/logging"
	"github.com/router-for-me/LMArenaBridge/internal/registry"
	"github.com/router-for-me/LMArenaBridge/internal/stats"
	"github.com/router-for-me/LMArenaBridge/internal/util"
	"github.com/router-for-me/LMArenaBridge/internal/watcher"
	log "github.com/sirupsen/logrus"
)

// StartService runs the bridge until a termination signal arrives.
func StartService(cfg *config.Config, configPath string) {
	requests := bridge.NewRegistry(cfg.Request.MaxConcurrent, cfg.Request.QueueSize, cfg.Request.Timeout())
	models := registry.NewModelRegistry()
	link := agent.NewLink(requests, models, cfg.Request.PingInterval())
	collector := stats.NewCollector()
	requestLogger := logging.NewRequestLogger("logs", cfg.RequestLog)

	apiServer := api.NewServer(cfg, requests, models, link, collector, requestLogger, configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hot-reload config file edits into the running server. A missing file
	// is fine; the dynamic-config endpoint will create it on first write.
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			w, errWatcher := watcher.NewWatcher(configPath, apiServer.UpdateConfig)
			if errWatcher != nil {
				log.Errorf("failed to create config watcher: %v", errWatcher)
			} else if errStart := w.Start(ctx); errStart == nil {
				defer func() {
					_ = w.Stop()
				}()
			}
		}
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatalf("API server failed to start: %v", err)
		}
	}()

	printBanner(cfg)

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Received shutdown signal. Cleaning up...")

	// New work is rejected from here on and in-flight requests fail fast
	// instead of waiting out the disconnect grace window.
	requests.SetShutdown()
	link.Close()
	requests.FailAll("Server is shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Debugf("Error stopping API server: %v", err)
	}
	requestLogger.Close()

	log.Info("Cleanup completed. Exiting...")
}

// printBanner logs where the server listens, including the LAN address so
// the browser userscript can be pointed at it from another device.
func printBanner(cfg *config.Config) {
	log.Infof("LMArena Bridge listening on %s:%d", cfg.Host, cfg.Port)
	log.Infof("  OpenAI endpoint:  http://%s:%d/v1/chat/completions", util.LocalIP(cfg), cfg.Port)
	log.Infof("  Agent WebSocket:  ws://%s:%d/ws", util.LocalIP(cfg), cfg.Port)
	for _, ip := range util.AllLocalIPs() {
		log.Debugf("  local address: %s", ip)
	}
}
