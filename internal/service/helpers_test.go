package service

import (
	"time"

	"devicelink/internal/config"
	"devicelink/internal/testutil"
)

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:           "test-secret",
		FingerprintSecret:   "fingerprint-secret",
		SessionMaxAge:       time.Hour,
		PairingCodeTTL:      10 * time.Minute,
		PairingCodeAttempts: 5,
		PairingBaseURL:      "https://app.example.com/link",
		DeviceTokenTTL:      30 * 24 * time.Hour,
		StoreRetryAttempts:  3,
	}
}

type fixture struct {
	store    *testutil.TokenStore
	users    *testutil.UserRepository
	events   *testutil.Publisher
	issuer   *TokenIssuer
	registry *PairingRegistry
}

func newFixture(cfg *config.Config) *fixture {
	f := &fixture{
		store:  testutil.NewTokenStore(),
		users:  testutil.NewUserRepository(),
		events: &testutil.Publisher{},
	}
	f.issuer = NewTokenIssuer(f.store, cfg)
	f.issuer.SetEvents(f.events, nil)
	f.registry = NewPairingRegistry(f.store, f.users, f.issuer, cfg)
	f.registry.SetEvents(f.events, nil)
	return f
}

// sequence returns a code generator that yields codes in order, repeating the last.
func sequence(codes ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		c := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return c, nil
	}
}
