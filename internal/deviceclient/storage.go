package deviceclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PairingHandle is what the device needs to keep polling after a restart.
type PairingHandle struct {
	DeviceID   string    `json:"deviceId"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expiresAt"`
	PairingURL string    `json:"pairingUrl,omitempty"`
}

// Credential is the device's bearer token.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	DeviceID  string    `json:"deviceId"`
}

// State is everything the client persists between runs.
type State struct {
	InstallID  string         `json:"installId,omitempty"`
	Pairing    *PairingHandle `json:"pairing,omitempty"`
	Credential *Credential    `json:"credential,omitempty"`
}

// Storage persists client state. Implementations must be safe for concurrent use.
type Storage interface {
	Load() (State, error)
	Save(State) error
}

// FileStorage keeps state in a single JSON file readable only by the owner.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// DefaultStatePath is ~/.config/devicelink/state.json, or the platform equivalent.
func DefaultStatePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "devicelink", "state.json"), nil
}

// Load returns an empty State when the file does not exist yet.
func (s *FileStorage) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

// Save replaces the file atomically.
func (s *FileStorage) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func cloneState(st State) State {
	out := State{InstallID: st.InstallID}
	if st.Pairing != nil {
		p := *st.Pairing
		out.Pairing = &p
	}
	if st.Credential != nil {
		c := *st.Credential
		out.Credential = &c
	}
	return out
}
