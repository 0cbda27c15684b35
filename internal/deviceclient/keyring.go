package deviceclient

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringService = "devicelink"

// KeyringStorage keeps the credential in the OS keychain and everything else in base.
// The file behind base never sees the token.
type KeyringStorage struct {
	base Storage
	user string
}

// NewKeyringStorage stores the credential under account in the OS keychain.
func NewKeyringStorage(base Storage, account string) *KeyringStorage {
	if account == "" {
		account = "default"
	}
	return &KeyringStorage{base: base, user: account}
}

func (k *KeyringStorage) Load() (State, error) {
	st, err := k.base.Load()
	if err != nil {
		return State{}, err
	}
	st.Credential = nil

	secret, err := keyring.Get(keyringService, k.user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return st, nil
		}
		return State{}, fmt.Errorf("read keyring: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal([]byte(secret), &cred); err != nil {
		return State{}, fmt.Errorf("decode keyring credential: %w", err)
	}
	st.Credential = &cred
	return st, nil
}

func (k *KeyringStorage) Save(st State) error {
	if st.Credential == nil {
		if err := keyring.Delete(keyringService, k.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("clear keyring: %w", err)
		}
	} else {
		secret, err := json.Marshal(st.Credential)
		if err != nil {
			return fmt.Errorf("encode credential: %w", err)
		}
		if err := keyring.Set(keyringService, k.user, string(secret)); err != nil {
			return fmt.Errorf("write keyring: %w", err)
		}
	}

	rest := cloneState(st)
	rest.Credential = nil
	return k.base.Save(rest)
}
