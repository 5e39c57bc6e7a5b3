package relay

import (
	"strings"
	"testing"
)

func TestEncoderArgs(t *testing.T) {
	args := encoderArgs("rtmp://live.example/app/key")

	got := strings.Join(args, " ")
	want := "-re -f webm -i - -c:v libx264 -preset veryfast -tune zerolatency " +
		"-c:a aac -strict -2 -ar 44100 -b:a 128k -pix_fmt yuv420p -f flv " +
		"rtmp://live.example/app/key"
	if got != want {
		t.Fatalf("argv\n got: %s\nwant: %s", got, want)
	}
}

func TestEncoderWriteBeforeStart(t *testing.T) {
	e := NewEncoder("rtmp://x", nil)
	if err := e.Write([]byte("data")); err != ErrEncoderDown {
		t.Fatalf("write before start: %v", err)
	}
	if e.State() != EncoderNotStarted {
		t.Fatalf("state %v", e.State())
	}
	// Stop before start is a no-op.
	e.Stop()
}

func TestEncoderStateStrings(t *testing.T) {
	cases := map[EncoderState]string{
		EncoderNotStarted: "not-started",
		EncoderRunning:    "running",
		EncoderExited:     "exited",
		EncoderState(9):   "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("%d: %q", s, s.String())
		}
	}
}
