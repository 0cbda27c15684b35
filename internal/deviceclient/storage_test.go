package deviceclient

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

func sampleState() State {
	return State{
		InstallID: "3b0e54a8-1111-4000-8000-000000000000",
		Pairing: &PairingHandle{
			DeviceID:  testDeviceID,
			Code:      "482913",
			ExpiresAt: time.Date(2026, 1, 1, 12, 10, 0, 0, time.UTC),
		},
		Credential: &Credential{
			Token:     "dlt_secret",
			ExpiresAt: time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC),
			DeviceID:  testDeviceID,
		},
	}
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	fs := NewFileStorage(path)

	empty, err := fs.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if empty.InstallID != "" || empty.Pairing != nil || empty.Credential != nil {
		t.Errorf("missing file should load empty state, got %+v", empty)
	}

	if err := fs.Save(sampleState()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := fs.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.InstallID != sampleState().InstallID || got.Pairing.Code != "482913" || got.Credential.Token != "dlt_secret" {
		t.Errorf("state = %+v", got)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("perm = %o, want 600", perm)
		}
	}
}

func TestFileStorage_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStorage(path).Load(); err == nil {
		t.Error("expected a decode error")
	}
}

func TestKeyringStorage(t *testing.T) {
	keyring.MockInit()

	path := filepath.Join(t.TempDir(), "state.json")
	ks := NewKeyringStorage(NewFileStorage(path), "test")

	if err := ks.Save(sampleState()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(raw), "dlt_secret") {
		t.Error("token leaked into the state file")
	}

	got, err := ks.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Credential == nil || got.Credential.Token != "dlt_secret" || got.Pairing == nil {
		t.Errorf("state = %+v", got)
	}

	st := sampleState()
	st.Credential = nil
	if err := ks.Save(st); err != nil {
		t.Fatalf("Save without credential: %v", err)
	}
	got, err = ks.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Credential != nil {
		t.Errorf("credential should be gone, got %+v", got.Credential)
	}
	if _, err := keyring.Get(keyringService, "test"); err != keyring.ErrNotFound {
		t.Errorf("keyring entry should be deleted, got %v", err)
	}

	// Clearing twice is fine.
	if err := ks.Save(st); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}
