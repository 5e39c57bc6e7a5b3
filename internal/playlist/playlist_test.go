package playlist

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mvdham/capcast/internal/proto"
	"github.com/mvdham/capcast/internal/session"
)

func newTestList(t *testing.T) *List {
	t.Helper()
	s, err := session.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func item(n int) Item {
	return Item{Key: fmt.Sprintf("local:f%d.mp4:%d", n, n), Kind: proto.SourceVideoFile, Headline: fmt.Sprintf("clip %d", n)}
}

func keys(t *testing.T, l *List) []string {
	t.Helper()
	items, err := l.Items()
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key
	}
	return out
}

func TestAddPrependsAndDedupes(t *testing.T) {
	l := newTestList(t)

	for i := 1; i <= 3; i++ {
		if err := l.Add(item(i)); err != nil {
			t.Fatal(err)
		}
	}
	got := keys(t, l)
	if len(got) != 3 || got[0] != item(3).Key || got[2] != item(1).Key {
		t.Fatalf("order %v", got)
	}

	// Re-adding moves to the front without duplicating.
	if err := l.Add(item(1)); err != nil {
		t.Fatal(err)
	}
	got = keys(t, l)
	if len(got) != 3 || got[0] != item(1).Key {
		t.Fatalf("dedupe order %v", got)
	}

	if err := l.Add(Item{}); err == nil {
		t.Fatal("expected error for keyless item")
	}
}

func TestAddDropsOldestAtCap(t *testing.T) {
	l := newTestList(t)

	for i := 1; i <= MaxItems+5; i++ {
		if err := l.Add(item(i)); err != nil {
			t.Fatal(err)
		}
	}
	got := keys(t, l)
	if len(got) != MaxItems {
		t.Fatalf("len %d, want %d", len(got), MaxItems)
	}
	if got[0] != item(MaxItems+5).Key || got[len(got)-1] != item(6).Key {
		t.Fatalf("cap kept wrong window: first %s last %s", got[0], got[len(got)-1])
	}
}

func TestRemoveClearsSelection(t *testing.T) {
	l := newTestList(t)
	for i := 1; i <= 3; i++ {
		l.Add(item(i))
	}

	if err := l.Select(item(2).Key); err != nil {
		t.Fatal(err)
	}
	if err := l.Remove(item(2).Key); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Selected(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("selection should clear, got %v", err)
	}
	if got := keys(t, l); len(got) != 2 {
		t.Fatalf("remove left %v", got)
	}

	// Removing an unselected item keeps the cursor.
	if err := l.Select(item(3).Key); err != nil {
		t.Fatal(err)
	}
	if err := l.Remove(item(1).Key); err != nil {
		t.Fatal(err)
	}
	sel, err := l.Selected()
	if err != nil || sel.Key != item(3).Key {
		t.Fatalf("cursor moved: %+v, %v", sel, err)
	}
}

func TestSelectUnknownKey(t *testing.T) {
	l := newTestList(t)
	l.Add(item(1))
	if err := l.Select("local:ghost.mp4:0"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestUpdateSelectedMetadata(t *testing.T) {
	l := newTestList(t)
	if err := l.UpdateSelected("x", ""); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty with no selection, got %v", err)
	}

	l.Add(item(1))
	l.Select(item(1).Key)
	if err := l.UpdateSelected("renamed", "with a standfirst"); err != nil {
		t.Fatal(err)
	}
	sel, _ := l.Selected()
	if sel.Headline != "renamed" || sel.Standfirst != "with a standfirst" {
		t.Fatalf("metadata %+v", sel)
	}
}

func TestMoveWraps(t *testing.T) {
	l := newTestList(t)
	for i := 1; i <= 3; i++ {
		l.Add(item(i))
	}
	// Order is 3, 2, 1.

	// Moving the first item up wraps it to the last slot.
	if err := l.Move(item(3).Key, true); err != nil {
		t.Fatal(err)
	}
	got := keys(t, l)
	if got[0] != item(1).Key || got[2] != item(3).Key {
		t.Fatalf("wrap up %v", got)
	}

	// And the last item down wraps back to the front.
	if err := l.Move(item(3).Key, false); err != nil {
		t.Fatal(err)
	}
	got = keys(t, l)
	if got[0] != item(3).Key {
		t.Fatalf("wrap down %v", got)
	}

	if err := l.Move("local:ghost.mp4:0", true); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestNavigate(t *testing.T) {
	l := newTestList(t)

	if _, err := l.Navigate(true); !errors.Is(err, ErrEmpty) {
		t.Fatalf("empty list: %v", err)
	}

	for i := 1; i <= 3; i++ {
		l.Add(item(i))
	}
	// Order is 3, 2, 1, no selection yet.

	sel, err := l.Navigate(true)
	if err != nil || sel.Key != item(3).Key {
		t.Fatalf("first navigate should land on the first item: %+v, %v", sel, err)
	}

	sel, _ = l.Navigate(true)
	if sel.Key != item(2).Key {
		t.Fatalf("forward: %s", sel.Key)
	}

	sel, _ = l.Navigate(false)
	if sel.Key != item(3).Key {
		t.Fatalf("back: %s", sel.Key)
	}

	// Backwards off the front wraps to the end.
	sel, _ = l.Navigate(false)
	if sel.Key != item(1).Key {
		t.Fatalf("wrap back: %s", sel.Key)
	}

	// Forwards off the end wraps to the front.
	sel, _ = l.Navigate(true)
	if sel.Key != item(3).Key {
		t.Fatalf("wrap forward: %s", sel.Key)
	}
}
