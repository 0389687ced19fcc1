package credential

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"AgentPay-Chain/pkg/logger"
)

// Store persists the credential as a single JSON object with owner-only
// permissions so it survives process restarts.
type Store struct {
	path string
	log  *slog.Logger
}

// NewStore creates a file-backed credential store at the given path.
func NewStore(path string) *Store {
	return &Store{path: path, log: logger.Named("credential-store")}
}

// Path returns the location of the store file.
func (s *Store) Path() string {
	return s.path
}

// Read loads the persisted credential. A missing or malformed file is not
// an error: it returns nil and, for the malformed case, logs a warning.
func (s *Store) Read() (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		s.log.Warn("read credential store", "path", s.path, "err", err)
		return nil, nil
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		s.log.Warn("malformed credential store, ignoring", "path", s.path, "err", err)
		return nil, nil
	}
	if cred.APIKey == "" {
		return nil, nil
	}
	return &cred, nil
}

// Write persists the credential, creating the containing directory when
// needed. The write goes through a temp file and rename so a crash does
// not corrupt the previous value.
func (s *Store) Write(cred Credential) error {
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credential directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}

// Remove deletes the persisted credential and reports whether a file was
// actually removed.
func (s *Store) Remove() (bool, error) {
	err := os.Remove(s.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("remove credential file: %w", err)
}
