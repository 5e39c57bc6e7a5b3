package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestForwarderDropsWhileDisconnected(t *testing.T) {
	f := NewForwarder("ws://127.0.0.1:1/never")

	if err := f.WriteChunk([]byte("chunk")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("write while down: %v", err)
	}
	if f.Dropped() != 1 || f.Sent() != 0 {
		t.Fatalf("counters sent=%d dropped=%d", f.Sent(), f.Dropped())
	}
	if f.Connected() {
		t.Fatal("connected with no dial")
	}
}

func TestForwarderDeliversToRelay(t *testing.T) {
	metrics := NewMetrics()
	srv := NewServer(metrics)
	factory := &encFactory{}
	srv.newEnc = factory.new
	srv.SetStreamURL("rtmp://x")
	defer srv.Close()

	ts := httptest.NewServer(srv)
	defer ts.Close()

	f := NewForwarder("ws" + strings.TrimPrefix(ts.URL, "http"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	defer f.Stop()

	waitCond(t, "connection", f.Connected)

	if err := f.WriteChunk([]byte("chunk")); err != nil {
		t.Fatal(err)
	}
	if f.Sent() != 1 {
		t.Fatalf("sent %d", f.Sent())
	}
	waitCond(t, "relay delivery", func() bool {
		return factory.count() == 1 && factory.enc(0).writeCount() == 1
	})
}

func TestForwarderRedialsAfterRejection(t *testing.T) {
	srv := NewServer(NewMetrics())
	defer srv.Close()
	ts := httptest.NewServer(srv)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	// Occupy the single client slot.
	first := dialRelay(t, url)
	defer first.Close()

	f := NewForwarder(url)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	defer f.Stop()

	// Rejected with 1013; once the slot frees up a redial lands.
	time.Sleep(200 * time.Millisecond)
	first.Close()
	waitCond(t, "redial", f.Connected)
}
