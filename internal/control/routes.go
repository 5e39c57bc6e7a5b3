// Control surface — the HTTP API the operator UI and the output canvas
// talk to. Everything here is a thin translation layer: state lives in
// the session store, transitions run through the media selector, and
// cross-context fan-out goes over the bus.
package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/yuin/goldmark"

	"github.com/mvdham/capcast/internal/bus"
	"github.com/mvdham/capcast/internal/call"
	"github.com/mvdham/capcast/internal/content"
	"github.com/mvdham/capcast/internal/media"
	"github.com/mvdham/capcast/internal/playlist"
	"github.com/mvdham/capcast/internal/proto"
	"github.com/mvdham/capcast/internal/session"
	"github.com/mvdham/capcast/internal/util"
)

var log = logging.Logger("control")

// recentEvents is how many bus messages the diagnostics endpoint keeps.
const recentEvents = 64

// Deps are the collaborators the API drives.
type Deps struct {
	Bus      *bus.Bus
	Bridge   *bus.Bridge
	Store    *session.Store
	Content  *content.Store
	Playlist *playlist.List
	Selector *media.Selector
	Calls    *call.Manager
	Capture  *Capture

	// RelayControlURL is where stream-url updates are forwarded.
	RelayControlURL string

	// CaptureSource picks the device for the local live kind: "camera"
	// or "screen".
	CaptureSource string
}

// API serves the session-host control surface.
type API struct {
	Deps
	recent *util.RingBuffer[proto.BusMsg]
	stop   func()
}

func NewAPI(deps Deps) *API {
	a := &API{
		Deps:   deps,
		recent: util.NewRingBuffer[proto.BusMsg](recentEvents),
	}

	ch, cancel := deps.Bus.Subscribe()
	a.stop = cancel
	go func() {
		for e := range ch {
			a.recent.Push(e.Msg())
		}
	}()
	return a
}

func (a *API) Close() {
	if a.stop != nil {
		a.stop()
	}
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("/ws/bus", a.Bridge)
	mux.HandleFunc("/events", a.handleSSE)
	mux.HandleFunc("/media", a.handleMediaFile)
	mux.HandleFunc("/help", a.handleHelp)

	handleGet(mux, "/api/session", func(w http.ResponseWriter, r *http.Request) {
		all, err := a.Store.All()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, all)
	})

	a.registerText(mux, "/api/ticker", session.KeyTicker)
	a.registerText(mux, "/api/banner", session.KeyBanner)

	mux.HandleFunc("/api/banner-image", a.handleBannerImage)

	handleGet(mux, "/api/qr", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"qr": a.Store.GetOr(session.KeyQRCode, "")})
	})

	handlePost(mux, "/api/media", func(w http.ResponseWriter, r *http.Request, req struct {
		URL  string `json:"url"`
		Type string `json:"type"`
	}) {
		if err := a.selectMedia(req.Type, req.URL); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, a.Selector.Current())
	})

	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := a.Selector.EndCall(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	handleGet(mux, "/api/call", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"state":  a.Calls.State().String(),
			"active": a.Calls.Active(),
		})
	})

	a.registerPlaylist(mux)
	a.registerCapture(mux)

	handlePost(mux, "/api/relay/url", func(w http.ResponseWriter, r *http.Request, req struct {
		URL string `json:"url"`
	}) {
		if err := a.forwardStreamURL(req.URL); err != nil {
			log.Errorw("relay control update failed", "err", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	handleGet(mux, "/api/events/recent", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.recent.Snapshot())
	})
}

// registerText wires a GET/POST pair for a free-text session key.
func (a *API) registerText(mux *http.ServeMux, path, key string) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, map[string]string{"text": a.Store.GetOr(key, "")})
		case http.MethodPost:
			var req struct {
				Text string `json:"text"`
			}
			if err := decodeBody(r, &req); err != nil {
				http.Error(w, "bad request body", http.StatusBadRequest)
				return
			}
			if err := a.Store.Set(key, req.Text); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (a *API) registerPlaylist(mux *http.ServeMux) {
	handleGet(mux, "/api/playlist", func(w http.ResponseWriter, r *http.Request) {
		items, err := a.Playlist.Items()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []playlist.Item{}
		}
		writeJSON(w, map[string]any{
			"items":    items,
			"selected": a.Store.GetOr(session.KeySelectedKey, ""),
		})
	})

	mux.HandleFunc("/api/playlist/upload", a.handleUpload)

	handlePost(mux, "/api/playlist/link", func(w http.ResponseWriter, r *http.Request, req struct {
		URL        string `json:"url"`
		Headline   string `json:"headline"`
		Standfirst string `json:"standfirst"`
	}) {
		if req.URL == "" {
			http.Error(w, "url required", http.StatusBadRequest)
			return
		}
		headline := req.Headline
		if headline == "" {
			headline = req.URL
		}
		item := playlist.Item{Key: req.URL, Kind: proto.SourceEmbeddedVideo, Headline: headline, Standfirst: req.Standfirst}
		if err := a.Playlist.Add(item); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, item)
	})

	handlePost(mux, "/api/playlist/remove", func(w http.ResponseWriter, r *http.Request, req struct {
		Key string `json:"key"`
	}) {
		if err := a.Playlist.Remove(req.Key); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if content.IsKey(req.Key) {
			if err := a.Content.Delete(req.Key); err != nil {
				log.Warnw("delete content file", "key", req.Key, "err", err)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})

	handlePost(mux, "/api/playlist/select", func(w http.ResponseWriter, r *http.Request, req struct {
		Key string `json:"key"`
	}) {
		if err := a.Playlist.Select(req.Key); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		item, err := a.Playlist.Selected()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := a.showItem(item); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, item)
	})

	handlePost(mux, "/api/playlist/move", func(w http.ResponseWriter, r *http.Request, req struct {
		Key string `json:"key"`
		Up  bool   `json:"up"`
	}) {
		if err := a.Playlist.Move(req.Key, req.Up); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	handlePost(mux, "/api/playlist/navigate", func(w http.ResponseWriter, r *http.Request, req struct {
		Forward bool `json:"forward"`
	}) {
		item, err := a.Playlist.Navigate(req.Forward)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.showItem(item); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, item)
	})

	handlePost(mux, "/api/playlist/metadata", func(w http.ResponseWriter, r *http.Request, req struct {
		Headline   string `json:"headline"`
		Standfirst string `json:"standfirst"`
	}) {
		if err := a.Playlist.UpdateSelected(req.Headline, req.Standfirst); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (a *API) registerCapture(mux *http.ServeMux) {
	handlePost(mux, "/api/capture/start", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := a.Capture.Start(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	handlePost(mux, "/api/capture/stop", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		a.Capture.Stop()
		w.WriteHeader(http.StatusNoContent)
	})

	handleGet(mux, "/api/capture", func(w http.ResponseWriter, r *http.Request) {
		sent, dropped := a.Capture.Stats()
		writeJSON(w, map[string]any{
			"active":  a.Capture.Active(),
			"sent":    sent,
			"dropped": dropped,
		})
	})
}

// selectMedia maps a wire-form request onto a selector transition.
func (a *API) selectMedia(wireType, url string) error {
	kind, err := proto.ParseSourceKind(wireType)
	if err != nil {
		return err
	}
	switch kind {
	case proto.SourceLocalCamera:
		locator := ""
		if a.CaptureSource == "screen" {
			locator = media.LocatorScreen
		}
		return a.Selector.Select(kind, locator)
	case proto.SourceRemoteCamera:
		// Arms the join flow; the stream follows when a phone answers.
		return a.Selector.Select(kind, "")
	default:
		return a.Selector.Select(kind, url)
	}
}

// showItem puts a playlist item on the canvas.
func (a *API) showItem(item playlist.Item) error {
	kind := item.Kind
	if kind == proto.SourceNone && content.IsKey(item.Key) {
		kind = content.KindOf(item.Key)
	}
	return a.Selector.Select(kind, item.Key)
}

// handleUpload ingests a multipart file into the content store and
// prepends it to the playlist.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	key, err := a.Content.Put(hdr.Filename, file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	item := playlist.Item{Key: key, Kind: content.KindOf(key), Headline: hdr.Filename}
	if err := a.Playlist.Add(item); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Infow("media uploaded", "key", key, "bytes", hdr.Size)
	writeJSON(w, item)
}

// handleBannerImage stores an uploaded image and points the banner at it.
func (a *API) handleBannerImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	key, err := a.Content.Put(hdr.Filename, file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := a.Store.Set(session.KeyBannerImage, key); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"key": key})
}

// handleMediaFile serves a stored file by key: /media?key=local:...
func (a *API) handleMediaFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := r.URL.Query().Get("key")
	if !content.IsKey(key) {
		http.Error(w, "bad key", http.StatusBadRequest)
		return
	}
	path, err := a.Content.Path(key)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

// handleSSE streams bus events and session-store changes to the output
// canvas over server-sent events, for contexts that cannot hold a
// websocket. Store mutations arrive as named "storage" events so the
// canvas picks up ticker/banner/QR edits without polling.
func (a *API) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)

	ch, cancel := a.Bus.Subscribe()
	defer cancel()
	changes, cancelWatch := a.Store.Watch()
	defer cancelWatch()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, open := <-ch:
			if !open {
				return
			}
			data, err := proto.EncodeBusMsg(e.Msg())
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case c, open := <-changes:
			if !open {
				return
			}
			data, err := json.Marshal(c)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: storage\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// forwardStreamURL relays a stream-url change to the capture relay's
// control endpoint.
func (a *API) forwardStreamURL(url string) error {
	msg := proto.ControlMsg{Type: proto.ControlUpdateStreamURL, URL: url}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: util.DefaultFetchTimeout}
	resp, err := client.Post(a.RelayControlURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post to relay: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("relay control returned %s", resp.Status)
	}
	log.Infow("stream url forwarded", "url", url)
	return nil
}

// handleHelp renders the operator guide.
func (a *API) handleHelp(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := goldmark.Convert(helpMD, &buf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.Copy(w, strings.NewReader(helpPre+buf.String()+helpPost))
}
