// streamer is the capture relay: one websocket client in, ffmpeg out.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"

	"github.com/mvdham/capcast/internal/relay"
)

var log = logging.Logger("streamer")

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", ":3000", "listen address")
	flag.Parse()

	if err := run(*addr); err != nil {
		fmt.Fprintln(os.Stderr, "streamer:", err)
		os.Exit(1)
	}
}

func run(addr string) error {
	lvl, err := logging.LevelFromString(envOr("LOG_LEVEL", "info"))
	if err != nil {
		lvl = logging.LevelInfo
	}
	logging.SetAllLoggers(lvl)

	metrics := relay.NewMetrics()
	server := relay.NewServer(metrics)
	defer server.Close()

	if url := os.Getenv("STREAM_URL"); url != "" {
		server.SetStreamURL(url)
		log.Infow("ingest url from environment", "url", url)
	}

	mux := http.NewServeMux()
	mux.Handle("/", server)
	mux.HandleFunc("/control", server.HandleControl)
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("relay listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	log.Infow("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
