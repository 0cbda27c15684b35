package model

// Identity sources
const (
	SourceDeviceToken = "device_token"
	SourceSession     = "session"
)

// ResolvedIdentity is the request-scoped caller identity, whichever credential produced it.
// It is never persisted.
type ResolvedIdentity struct {
	UserID    int64
	UserEmail string
	Source    string
	DeviceID  string // set only for SourceDeviceToken
}

// IsDevice reports whether the caller authenticated with a device token.
func (id ResolvedIdentity) IsDevice() bool {
	return id.Source == SourceDeviceToken
}
