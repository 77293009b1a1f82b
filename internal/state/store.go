// Package state persists pocketmirror's small durable records: the mirrored
// session pointer, the Telegram chat/owner bindings, and the mute flag. Every
// record is best-effort and re-derivable from a fresh topology scan; a
// missing or corrupt file is never a hard failure.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	mirroredFile = "mirrored.json"
	chatIDFile   = "chat_id"
	ownerIDFile  = "owner_id"
	mutedFile    = "muted"
	lockFile     = "pocketmirror.lock"
)

// MirroredRecord is the persisted identity of the one mirrored conversation.
// The conversation id may be reassigned by the client across restarts, so the
// instance label and display name are stored as fallback match keys.
type MirroredRecord struct {
	InstanceLabel    string `json:"instance_label"`
	ConversationName string `json:"conversation_name"`
	ConversationID   string `json:"conversation_id"`
}

// Store reads and writes the state directory.
type Store struct {
	dir string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// New creates the state directory if needed and returns a store over it.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("state dir not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// SaveMirrored persists the mirrored session pointer.
func (s *Store) SaveMirrored(rec MirroredRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(mirroredFile), data, 0o644)
}

// LoadMirrored returns the persisted mirrored session, or ok=false when the
// record is absent or unreadable.
func (s *Store) LoadMirrored() (MirroredRecord, bool) {
	data, err := os.ReadFile(s.path(mirroredFile))
	if err != nil {
		return MirroredRecord{}, false
	}
	var rec MirroredRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return MirroredRecord{}, false
	}
	return rec, true
}

// SaveChatID persists the Telegram chat destination.
func (s *Store) SaveChatID(id int64) error {
	return os.WriteFile(s.path(chatIDFile), []byte(strconv.FormatInt(id, 10)), 0o644)
}

// LoadChatID returns the persisted chat id, or 0 when absent.
func (s *Store) LoadChatID() int64 {
	return s.loadInt64(chatIDFile)
}

// SaveOwnerID persists the paired Telegram user.
func (s *Store) SaveOwnerID(id int64) error {
	return os.WriteFile(s.path(ownerIDFile), []byte(strconv.FormatInt(id, 10)), 0o644)
}

// LoadOwnerID returns the paired owner id, or 0 when unpaired.
func (s *Store) LoadOwnerID() int64 {
	return s.loadInt64(ownerIDFile)
}

// ClearOwnerID removes the owner pairing.
func (s *Store) ClearOwnerID() error {
	err := os.Remove(s.path(ownerIDFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Store) loadInt64(name string) int64 {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Muted reports whether the mute flag file exists.
func (s *Store) Muted() bool {
	_, err := os.Stat(s.path(mutedFile))
	return err == nil
}

// SetMuted creates or removes the mute flag file.
func (s *Store) SetMuted(muted bool) error {
	if muted {
		f, err := os.OpenFile(s.path(mutedFile), os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		return f.Close()
	}
	err := os.Remove(s.path(mutedFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// WatchMute watches the state directory and invokes onChange with the new
// mute value whenever the flag file is created or removed out-of-band. The
// watch stops when ctx is done.
func (s *Store) WatchMute(ctx context.Context, onChange func(bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil // already watching
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watcher = watcher

	go func() {
		defer func() {
			_ = watcher.Close()
			s.mu.Lock()
			s.watcher = nil
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != mutedFile {
					continue
				}
				switch {
				case ev.Op.Has(fsnotify.Create):
					onChange(true)
				case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
					onChange(false)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
