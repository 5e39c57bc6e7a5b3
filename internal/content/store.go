// Content store — uploaded media files on disk, addressed by opaque
// keys of the form local:<name>:<unix-ms>. The timestamp keeps repeat
// uploads of the same file distinct.
package content

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mvdham/capcast/internal/proto"
)

var (
	ErrOutsideRoot = errors.New("path outside root")
	ErrNotFound    = errors.New("not found")
	ErrBadKey      = errors.New("malformed content key")
)

const keyPrefix = "local:"

// imageExts lists extensions treated as still images; everything else
// uploaded is treated as video.
var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true,
}

type Store struct {
	root string // absolute path to the media directory
}

func NewStore(dir string) (*Store, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) RootAbs() string { return s.root }

// MakeKey builds the content key for a file name at the given instant.
func MakeKey(name string, at time.Time) string {
	return keyPrefix + filepath.Base(name) + ":" + strconv.FormatInt(at.UnixMilli(), 10)
}

// ParseKey splits a content key into its file name and timestamp.
func ParseKey(key string) (name string, at time.Time, err error) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "", time.Time{}, ErrBadKey
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx <= 0 {
		return "", time.Time{}, ErrBadKey
	}
	ms, err := strconv.ParseInt(rest[idx+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, ErrBadKey
	}
	return rest[:idx], time.UnixMilli(ms), nil
}

// IsKey reports whether s looks like a content-store key.
func IsKey(s string) bool {
	return strings.HasPrefix(s, keyPrefix)
}

// KindOf classifies a key's file by extension.
func KindOf(key string) proto.SourceKind {
	name, _, err := ParseKey(key)
	if err != nil {
		return proto.SourceNone
	}
	if imageExts[strings.ToLower(filepath.Ext(name))] {
		return proto.SourceImageFile
	}
	return proto.SourceVideoFile
}

// Put stores the reader's contents and returns the new key. The write
// is atomic: data lands in a temp file first and is renamed into place.
func (s *Store) Put(name string, r io.Reader) (string, error) {
	key := MakeKey(name, time.Now())
	abs, err := s.pathFor(key)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(s.root, ".cap-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}

	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return key, nil
}

// Adopt registers a file that already sits inside the media directory,
// renaming it to its keyed form. Used by the drop watcher.
func (s *Store) Adopt(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if filepath.Dir(abs) != s.root {
		return "", ErrOutsideRoot
	}

	key := MakeKey(filepath.Base(abs), time.Now())
	dst, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	if err := os.Rename(abs, dst); err != nil {
		return "", err
	}
	return key, nil
}

// Open returns a reader for the stored file.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	abs, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Path returns the absolute on-disk path for a key.
func (s *Store) Path(key string) (string, error) {
	abs, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}
	return abs, nil
}

// Delete removes the stored file. Absent keys are a no-op.
func (s *Store) Delete(key string) error {
	abs, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns every stored key, newest first.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	type rec struct {
		key string
		ms  int64
	}
	var recs []rec
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		key, ok := keyFromFileName(e.Name())
		if !ok {
			continue
		}
		_, at, err := ParseKey(key)
		if err != nil {
			continue
		}
		recs = append(recs, rec{key: key, ms: at.UnixMilli()})
	}

	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].ms > recs[j-1].ms; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}

	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.key
	}
	return keys, nil
}

// --- on-disk layout ---

// Files are stored as <unix-ms>_<name> so the key round-trips through
// the file name.

func (s *Store) pathFor(key string) (string, error) {
	name, at, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	base := strconv.FormatInt(at.UnixMilli(), 10) + "_" + filepath.Base(name)

	abs := filepath.Clean(filepath.Join(s.root, base))
	if filepath.Dir(abs) != s.root {
		return "", ErrOutsideRoot
	}
	return abs, nil
}

func keyFromFileName(base string) (string, bool) {
	idx := strings.IndexByte(base, '_')
	if idx <= 0 || idx == len(base)-1 {
		return "", false
	}
	ms, err := strconv.ParseInt(base[:idx], 10, 64)
	if err != nil {
		return "", false
	}
	return keyPrefix + base[idx+1:] + ":" + strconv.FormatInt(ms, 10), true
}
