// Package titles persists user-assigned thread titles in a JSON file shared
// with other local tools. Edits run under an advisory file lock so a
// concurrent editor never sees a torn write.
package titles

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockWait bounds how long an edit waits for the advisory lock.
const lockWait = 2 * time.Second

// Store edits the title file. Safe for concurrent use across processes; the
// lock file sits next to the data file.
type Store struct {
	path string
	lock *flock.Flock
}

func NewStore(path string) *Store {
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// All returns the full threadId → title map. A missing file is an empty map.
func (s *Store) All() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read title store: %w", err)
	}
	titles := map[string]string{}
	if err := json.Unmarshal(data, &titles); err != nil {
		return nil, fmt.Errorf("parse title store %s: %w", s.path, err)
	}
	return titles, nil
}

// Get returns the user-assigned title for a thread, if any.
func (s *Store) Get(threadID string) (string, bool) {
	titles, err := s.All()
	if err != nil {
		return "", false
	}
	t, ok := titles[threadID]
	return t, ok
}

// Set assigns a title under the advisory lock. An empty title deletes the
// entry.
func (s *Store) Set(threadID, title string) error {
	return s.edit(func(titles map[string]string) {
		if title == "" {
			delete(titles, threadID)
			return
		}
		titles[threadID] = title
	})
}

// Delete removes a thread's title.
func (s *Store) Delete(threadID string) error {
	return s.Set(threadID, "")
}

// edit performs one locked read-modify-write with an atomic tmp+rename
// replace.
func (s *Store) edit(mutate func(map[string]string)) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockWait)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock title store: %w", err)
	}
	if !locked {
		return fmt.Errorf("title store locked by another process")
	}
	defer s.lock.Unlock()

	titles, err := s.All()
	if err != nil {
		return err
	}
	mutate(titles)

	data, err := json.MarshalIndent(titles, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal title store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create title store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write title store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace title store: %w", err)
	}
	return nil
}
