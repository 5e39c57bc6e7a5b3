package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/base", "rel/dir"); got != "/base/rel/dir" {
		t.Fatalf("relative: %q", got)
	}
	if got := ResolvePath("/base", "/abs/dir"); got != "/abs/dir" {
		t.Fatalf("absolute: %q", got)
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"http://host/":   "http://host",
		"http://host///": "http://host",
		" http://host  ": "http://host",
		"ws://host:3000": "ws://host:3000",
	}
	for in, want := range cases {
		if got := NormalizeURL(in); got != want {
			t.Fatalf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteJSONFileCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "out.json")
	if err := WriteJSONFile(path, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\n  \"a\": 1\n}" {
		t.Fatalf("content %q", data)
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	if r.Len() != 0 || len(r.Snapshot()) != 0 {
		t.Fatal("new buffer not empty")
	}

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("snapshot %v", got)
	}
}
