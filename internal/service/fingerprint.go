package service

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const deviceIDPrefix = "dev_"

// Fingerprinter derives stable device IDs from client install IDs.
// The same install always maps to the same device ID, and without the
// server secret the mapping cannot be reproduced or inverted.
type Fingerprinter struct {
	key [32]byte
}

func NewFingerprinter(secret string) *Fingerprinter {
	return &Fingerprinter{key: blake3.Sum256([]byte("devicelink.fingerprint:" + secret))}
}

// DeviceID returns the device ID for installID. An empty install ID gets a
// random one, so such a device re-pairs as a new device.
func (f *Fingerprinter) DeviceID(installID string) string {
	installID = strings.TrimSpace(installID)
	if installID == "" {
		return deviceIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	// NewKeyed only fails on a key that is not 32 bytes.
	hasher, err := blake3.NewKeyed(f.key[:])
	if err != nil {
		panic("fingerprint: blake3 keyed init: " + err.Error())
	}
	hasher.Write([]byte(installID))
	sum := hasher.Sum(nil)
	return deviceIDPrefix + hex.EncodeToString(sum[:16])
}
