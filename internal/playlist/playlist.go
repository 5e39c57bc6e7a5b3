// Playlist — the ordered set of media items the operator can cut to.
// The list and selection cursor live in the session store so every
// context sees the same rundown.
package playlist

import (
	"errors"
	"fmt"

	"github.com/mvdham/capcast/internal/proto"
	"github.com/mvdham/capcast/internal/session"
)

// MaxItems caps the rundown length. New items push the oldest out.
const MaxItems = 30

// Item is one playlist entry. Key is the media locator: a content-store
// key for uploaded files or an external URL for embedded video.
type Item struct {
	Key        string           `json:"key"`
	Kind       proto.SourceKind `json:"kind"`
	Headline   string           `json:"headline"`
	Standfirst string           `json:"standfirst"`
}

var ErrEmpty = errors.New("playlist: empty")

// List manages the rundown persisted in a session store.
type List struct {
	store *session.Store
}

func New(store *session.Store) *List {
	return &List{store: store}
}

// Items returns the current rundown, newest first.
func (l *List) Items() ([]Item, error) {
	var items []Item
	err := l.store.GetJSON(session.KeyPlaylist, &items)
	if errors.Is(err, session.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Add prepends an item. An item with the same key moves to the front
// instead of duplicating. Overflow drops the oldest entry.
func (l *List) Add(item Item) error {
	if item.Key == "" {
		return fmt.Errorf("playlist: item missing key")
	}

	items, err := l.Items()
	if err != nil {
		return err
	}

	kept := items[:0]
	for _, it := range items {
		if it.Key != item.Key {
			kept = append(kept, it)
		}
	}

	items = append([]Item{item}, kept...)
	if len(items) > MaxItems {
		items = items[:MaxItems]
	}
	return l.save(items)
}

// Remove deletes the item with the given key. If it was selected, the
// selection clears.
func (l *List) Remove(key string) error {
	items, err := l.Items()
	if err != nil {
		return err
	}

	kept := items[:0]
	for _, it := range items {
		if it.Key != key {
			kept = append(kept, it)
		}
	}
	if err := l.save(kept); err != nil {
		return err
	}

	if l.store.GetOr(session.KeySelectedKey, "") == key {
		return l.store.Set(session.KeySelectedKey, "")
	}
	return nil
}

// Selected returns the item the cursor points at.
func (l *List) Selected() (Item, error) {
	key := l.store.GetOr(session.KeySelectedKey, "")
	if key == "" {
		return Item{}, ErrEmpty
	}

	items, err := l.Items()
	if err != nil {
		return Item{}, err
	}
	for _, it := range items {
		if it.Key == key {
			return it, nil
		}
	}
	return Item{}, ErrEmpty
}

// Select moves the cursor to the item with the given key.
func (l *List) Select(key string) error {
	items, err := l.Items()
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Key == key {
			return l.store.Set(session.KeySelectedKey, key)
		}
	}
	return fmt.Errorf("playlist: no item with key %q", key)
}

// UpdateSelected rewrites the headline and standfirst of the selected
// item in place.
func (l *List) UpdateSelected(headline, standfirst string) error {
	key := l.store.GetOr(session.KeySelectedKey, "")
	if key == "" {
		return ErrEmpty
	}

	items, err := l.Items()
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].Key == key {
			items[i].Headline = headline
			items[i].Standfirst = standfirst
			return l.save(items)
		}
	}
	return ErrEmpty
}

// Move swaps the item with its neighbour in the given direction,
// wrapping at the ends: moving the first item up swaps it with the
// last.
func (l *List) Move(key string, up bool) error {
	items, err := l.Items()
	if err != nil {
		return err
	}
	n := len(items)
	if n < 2 {
		return nil
	}

	idx := -1
	for i, it := range items {
		if it.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("playlist: no item with key %q", key)
	}

	var other int
	if up {
		other = (idx - 1 + n) % n
	} else {
		other = (idx + 1) % n
	}
	items[idx], items[other] = items[other], items[idx]
	return l.save(items)
}

// Navigate moves the cursor one step and returns the new selection,
// wrapping at either end. With no selection it starts at the first
// item.
func (l *List) Navigate(forward bool) (Item, error) {
	items, err := l.Items()
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, ErrEmpty
	}

	key := l.store.GetOr(session.KeySelectedKey, "")
	idx := -1
	for i, it := range items {
		if it.Key == key {
			idx = i
			break
		}
	}

	n := len(items)
	switch {
	case idx < 0:
		idx = 0
	case forward:
		idx = (idx + 1) % n
	default:
		idx = (idx - 1 + n) % n
	}

	sel := items[idx]
	if err := l.store.Set(session.KeySelectedKey, sel.Key); err != nil {
		return Item{}, err
	}
	return sel, nil
}

func (l *List) save(items []Item) error {
	if items == nil {
		items = []Item{}
	}
	return l.store.SetJSON(session.KeyPlaylist, items)
}
