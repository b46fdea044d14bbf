package relay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SessionStore writes one JSON file per session to a storage directory.
// Persistence is best-effort; the registry stays correct without it.
type SessionStore struct {
	dir string
}

// NewSessionStore creates the storage directory if needed.
func NewSessionStore(dir string) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &SessionStore{dir: dir}, nil
}

func (st *SessionStore) path(id string) string {
	return filepath.Join(st.dir, id+".json")
}

// Save writes the session record, replacing any previous file.
func (st *SessionStore) Save(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := st.path(s.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, st.path(s.ID))
}

// Remove deletes the session file. Missing files are not an error.
func (st *SessionStore) Remove(id string) error {
	err := os.Remove(st.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// LoadAll reads every session record in the directory. Unreadable files
// are skipped.
func (st *SessionStore) LoadAll() ([]*Session, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(st.dir, e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		if s.ID == "" || !ValidSessionID(s.ID) {
			continue
		}
		out = append(out, &s)
	}
	return out, nil
}
