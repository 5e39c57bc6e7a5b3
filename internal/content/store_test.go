package content

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mvdham/capcast/internal/proto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestKeyRoundTrip(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	key := MakeKey("cat video.mp4", at)

	name, got, err := ParseKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if name != "cat video.mp4" || !got.Equal(at) {
		t.Fatalf("parsed %q at %v", name, got)
	}

	if !IsKey(key) {
		t.Fatal("IsKey rejected a made key")
	}
	if IsKey("https://example.com/x.mp4") {
		t.Fatal("IsKey accepted a URL")
	}

	for _, bad := range []string{"", "local:", "local:name", "local:name:notanumber"} {
		if _, _, err := ParseKey(bad); !errors.Is(err, ErrBadKey) {
			t.Fatalf("ParseKey(%q) = %v, want ErrBadKey", bad, err)
		}
	}
}

func TestKindOf(t *testing.T) {
	at := time.Now()
	cases := map[string]proto.SourceKind{
		MakeKey("a.png", at):  proto.SourceImageFile,
		MakeKey("a.JPG", at):  proto.SourceImageFile,
		MakeKey("a.mp4", at):  proto.SourceVideoFile,
		MakeKey("a.webm", at): proto.SourceVideoFile,
		"not a key":           proto.SourceNone,
	}
	for key, want := range cases {
		if got := KindOf(key); got != want {
			t.Fatalf("KindOf(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestPutOpenDelete(t *testing.T) {
	s := newTestStore(t)

	key, err := s.Put("clip.mp4", strings.NewReader("fake video bytes"))
	if err != nil {
		t.Fatal(err)
	}

	rc, err := s.Open(key)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "fake video bytes" {
		t.Fatalf("read back %q", data)
	}

	path, err := s.Path(key)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != s.RootAbs() {
		t.Fatalf("path escaped root: %s", path)
	}

	if err := s.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("open after delete: %v", err)
	}
	// Deleting again is a no-op.
	if err := s.Delete(key); err != nil {
		t.Fatal(err)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)

	k1 := MakeKey("old.mp4", time.UnixMilli(1000))
	k2 := MakeKey("mid.mp4", time.UnixMilli(2000))
	k3 := MakeKey("new.mp4", time.UnixMilli(3000))
	for _, key := range []string{k2, k1, k3} {
		abs, err := s.pathFor(key)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(abs, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{k3, k2, k1}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("list %v, want %v", got, want)
	}
}

func TestAdopt(t *testing.T) {
	s := newTestStore(t)

	loose := filepath.Join(s.RootAbs(), "dropped.png")
	if err := os.WriteFile(loose, []byte("png bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	key, err := s.Adopt(loose)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(loose); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("adopt should rename the loose file away")
	}
	rc, err := s.Open(key)
	if err != nil {
		t.Fatal(err)
	}
	rc.Close()

	// Files outside the root are refused.
	outside := filepath.Join(t.TempDir(), "outside.png")
	os.WriteFile(outside, []byte("x"), 0o644)
	if _, err := s.Adopt(outside); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("adopt outside root: %v", err)
	}
}
