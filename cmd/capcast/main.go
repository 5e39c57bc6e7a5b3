// capcast is the session host: it owns the shared session store, the
// cross-context bus, the media selector, the peer call manager, and
// the control API the operator UI talks to.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mvdham/capcast/internal/bus"
	"github.com/mvdham/capcast/internal/call"
	"github.com/mvdham/capcast/internal/config"
	"github.com/mvdham/capcast/internal/content"
	"github.com/mvdham/capcast/internal/control"
	"github.com/mvdham/capcast/internal/media"
	"github.com/mvdham/capcast/internal/playlist"
	"github.com/mvdham/capcast/internal/session"
	"github.com/mvdham/capcast/internal/util"
)

var log = logging.Logger("capcast")

func main() {
	configPath := flag.String("config", "capcast.json", "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "capcast:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, created, err := config.Ensure(configPath)
	if err != nil {
		return err
	}

	lvl, err := logging.LevelFromString(cfg.Log.Level)
	if err != nil {
		lvl = logging.LevelInfo
	}
	logging.SetAllLoggers(lvl)

	if created {
		log.Infow("wrote default config", "path", configPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Relative data and drop paths resolve against the config file.
	baseDir := filepath.Dir(configPath)
	dataDir := util.ResolvePath(baseDir, cfg.Session.DataDir)
	dropDir := util.ResolvePath(baseDir, cfg.Session.DropDir)

	store, err := session.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(); err != nil {
		return fmt.Errorf("init session: %w", err)
	}

	b := bus.New()
	defer b.Close()
	bridge := bus.NewBridge(b)
	defer bridge.Close()

	contentStore, err := content.NewStore(filepath.Join(dataDir, "media"))
	if err != nil {
		return err
	}
	pl := playlist.New(store)

	watcher, err := content.NewWatcher(contentStore, dropDir, func(key string) {
		name, _, err := content.ParseKey(key)
		if err != nil {
			return
		}
		item := playlist.Item{Key: key, Kind: content.KindOf(key), Headline: name}
		if err := pl.Add(item); err != nil {
			log.Errorw("add dropped file to playlist", "key", key, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("watch drop dir: %w", err)
	}
	defer watcher.Close()

	selector := media.NewSelector(b, store, media.NewHostDevices())
	defer selector.Close()

	sig := call.NewWSSignaler(cfg.Signal.Endpoint, cfg.Signal.Key)
	calls := call.New(sig, store, selector, cfg.Session.PublicURL)
	// Registration waits until the operator arms the remote camera.
	calls.Bind(ctx)
	defer calls.Shutdown()

	capture := control.NewCapture(selector, store, cfg.Relay.SocketURL,
		time.Duration(cfg.Capture.EmitIntervalMs)*time.Millisecond)
	defer capture.Stop()

	api := control.NewAPI(control.Deps{
		Bus:             b,
		Bridge:          bridge,
		Store:           store,
		Content:         contentStore,
		Playlist:        pl,
		Selector:        selector,
		Calls:           calls,
		Capture:         capture,
		RelayControlURL: cfg.Relay.ControlURL,
		CaptureSource:   cfg.Capture.Source,
	})
	defer api.Close()

	mux := http.NewServeMux()
	api.Register(mux)

	srv := &http.Server{Addr: cfg.Session.HTTPAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("control api listening", "addr", cfg.Session.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

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
