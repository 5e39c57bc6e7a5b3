package call

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestJoinLink(t *testing.T) {
	got := JoinLink("http://192.168.1.10:8080", LocalPeerID)
	want := "http://192.168.1.10:8080/#/phone?peerId=desktop-ok"
	if got != want {
		t.Fatalf("join link %q, want %q", got, want)
	}

	// A trailing slash on the public URL must not double up.
	if got := JoinLink("http://host/", "p"); got != "http://host/#/phone?peerId=p" {
		t.Fatalf("trailing slash: %q", got)
	}
}

func TestQRDataURL(t *testing.T) {
	data, err := QRDataURL(JoinLink("http://host", LocalPeerID))
	if err != nil {
		t.Fatal(err)
	}

	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(data, prefix) {
		t.Fatalf("missing data url prefix: %.40s", data)
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(data, prefix))
	if err != nil {
		t.Fatal(err)
	}
	if len(png) < 8 || string(png[1:4]) != "PNG" {
		t.Fatal("payload is not a png")
	}
}
