package bus

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mvdham/capcast/internal/proto"
)

func TestFanout(t *testing.T) {
	b := New()
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(MediaChange(proto.SourceVideoFile, "local:cat.mp4:1"))

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Class != proto.ClassMediaChange || e.Locator != "local:cat.mp4:1" {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after cancel")
	}
	b.Publish(EndCall()) // must not panic on the removed subscriber
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	defer b.Close()

	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(EndCall())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestEventWireRoundTrip(t *testing.T) {
	in := MediaChange(proto.SourceEmbeddedVideo, "https://youtu.be/x")
	out, err := EventFromMsg(in.Msg())
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}

	if _, err := EventFromMsg(proto.BusMsg{Class: proto.ClassMediaChange, Type: "bogus"}); err == nil {
		t.Fatal("expected error for unknown type")
	}

	ec, err := EventFromMsg(proto.BusMsg{Class: proto.ClassEndCall})
	if err != nil || ec.Class != proto.ClassEndCall {
		t.Fatalf("end-call round trip: %+v, %v", ec, err)
	}
}

func TestBridgeDeliversAndRepublishes(t *testing.T) {
	b := New()
	defer b.Close()
	br := NewBridge(b)
	defer br.Close()

	srv := httptest.NewServer(br)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	local, cancel := b.Subscribe()
	defer cancel()

	// Outbound: a published event reaches the websocket client.
	b.Publish(MediaChange(proto.SourceImageFile, "local:logo.png:9"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	msg, err := proto.DecodeBusMsg(data)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Class != proto.ClassMediaChange || msg.URL != "local:logo.png:9" {
		t.Fatalf("bridge delivered %+v", msg)
	}
	<-local // drain our own copy

	// Inbound: a frame written by the client shows up on the bus.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"class":"end-call"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-local:
		if e.Class != proto.ClassEndCall {
			t.Fatalf("republished %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame never reached the bus")
	}

	// Malformed frames are skipped, not fatal.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`garbage`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"class":"end-call"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-local:
		if e.Class != proto.ClassEndCall {
			t.Fatalf("got %+v after malformed frame", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge died on a malformed frame")
	}
}
