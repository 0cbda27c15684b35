// Package deviceclient is the device side of pairing: it registers, polls until a user links
// the code, keeps the bearer token fresh and notices when it has been signed out.
package deviceclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

type AuthState string

const (
	StateSignedIn  AuthState = "signed_in"
	StateRefreshed AuthState = "refreshed"
	StateSignedOut AuthState = "signed_out"
)

// StateChange is published whenever the stored credential appears, rotates or goes away.
type StateChange struct {
	State    AuthState
	DeviceID string
	Reason   error
	At       time.Time
}

type Config struct {
	PollInterval  time.Duration
	MaxWait       time.Duration
	RefreshMargin time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  2500 * time.Millisecond,
		MaxWait:       5 * time.Minute,
		RefreshMargin: 5 * time.Minute,
	}
}

// PollOptions overrides Config for a single poll. Zero fields fall back to Config.
type PollOptions struct {
	Interval time.Duration
	MaxWait  time.Duration
}

type Client struct {
	api    *API
	store  Storage
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	// mu serialises load-modify-save cycles on store.
	mu        sync.Mutex
	polls     singleflight.Group
	refreshes singleflight.Group

	subMu   sync.Mutex
	subs    map[int]func(StateChange)
	nextSub int
}

func New(api *API, store Storage, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = def.RefreshMargin
	}
	return &Client{
		api:    api,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "deviceclient"),
		subs:   make(map[int]func(StateChange)),
	}
}

// Subscribe registers fn for state changes. fn runs on the goroutine that caused the
// change and must not block. The returned func removes the subscription.
func (c *Client) Subscribe(fn func(StateChange)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Client) emit(sc StateChange) {
	c.subMu.Lock()
	fns := make([]func(StateChange), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(sc)
	}
}

func (c *Client) load() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Load()
}

func (c *Client) update(fn func(st *State)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.store.Load()
	if err != nil {
		return err
	}
	fn(&st)
	return c.store.Save(st)
}

// Credential returns the stored credential without checking or refreshing it.
func (c *Client) Credential() (*Credential, error) {
	st, err := c.load()
	if err != nil {
		return nil, err
	}
	return st.Credential, nil
}

// Pending returns the persisted pairing handle, if a pairing is in progress.
func (c *Client) Pending() (*PairingHandle, error) {
	st, err := c.load()
	if err != nil {
		return nil, err
	}
	return st.Pairing, nil
}

// Register starts a new pairing and persists its handle.
func (c *Client) Register(ctx context.Context) (*PairingHandle, error) {
	var installID string
	err := c.update(func(st *State) {
		if st.InstallID == "" {
			st.InstallID = uuid.NewString()
		}
		installID = st.InstallID
	})
	if err != nil {
		return nil, fmt.Errorf("persist install id: %w", err)
	}

	resp, err := c.api.Register(ctx, installID)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	handle := &PairingHandle{
		DeviceID:   resp.DeviceID,
		Code:       resp.Code,
		ExpiresAt:  resp.ExpiresAt,
		PairingURL: resp.PairingURL,
	}
	if handle.PairingURL == "" {
		handle.PairingURL = c.api.LinkURL(handle.Code)
	}
	if err := c.update(func(st *State) {
		p := *handle
		st.Pairing = &p
	}); err != nil {
		return nil, fmt.Errorf("persist pairing: %w", err)
	}

	c.logger.Info("pairing started", "device_id", handle.DeviceID, "expires_at", handle.ExpiresAt)
	return handle, nil
}

// PollUntilLinked exchanges the code until a user links it, the code dies or MaxWait passes.
// A nil handle means the persisted one. Calls for a handle already being polled join that
// poll; its first caller's ctx owns it, and any caller can stop waiting through its own ctx.
func (c *Client) PollUntilLinked(ctx context.Context, handle *PairingHandle, opts PollOptions) (*Credential, error) {
	if handle == nil {
		pending, err := c.Pending()
		if err != nil {
			return nil, err
		}
		if pending == nil {
			return nil, ErrNotPaired
		}
		handle = pending
	}
	if opts.Interval <= 0 {
		opts.Interval = c.cfg.PollInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = c.cfg.MaxWait
	}

	h := *handle
	ch := c.polls.DoChan(h.DeviceID+":"+h.Code, func() (interface{}, error) {
		return c.poll(ctx, h, opts)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cred := *res.Val.(*Credential)
		return &cred, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrPollCanceled, ctx.Err())
	}
}

func (c *Client) poll(ctx context.Context, h PairingHandle, opts PollOptions) (*Credential, error) {
	deadline := time.NewTimer(opts.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		cred, err := c.exchangeOnce(ctx, h)
		switch {
		case err == nil:
			return cred, nil
		case errors.Is(err, ErrNotLinkedYet):
		case pairingDead(err):
			c.forgetPairing(h)
			c.logger.Info("pairing ended", "device_id", h.DeviceID, "error", err)
			return nil, err
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %w", ErrPollCanceled, ctx.Err())
		default:
			c.logger.Warn("exchange failed, retrying", "device_id", h.DeviceID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrPollCanceled, ctx.Err())
		case <-deadline.C:
			return nil, ErrTimeout
		case <-ticker.C:
		}
	}
}

func (c *Client) exchangeOnce(ctx context.Context, h PairingHandle) (*Credential, error) {
	resp, err := c.api.Exchange(ctx, h.DeviceID, h.Code)
	if err != nil {
		return nil, exchangeError(err)
	}
	if resp == nil {
		return nil, ErrNotLinkedYet
	}

	cred := &Credential{Token: resp.Token, ExpiresAt: resp.ExpiresAt, DeviceID: resp.DeviceID}
	if cred.DeviceID == "" {
		cred.DeviceID = h.DeviceID
	}
	err = c.update(func(st *State) {
		saved := *cred
		st.Credential = &saved
		if st.Pairing != nil && st.Pairing.Code == h.Code {
			st.Pairing = nil
		}
	})
	if err != nil {
		// The code is consumed now; without the token the device has to pair again.
		return nil, fmt.Errorf("persist credential: %w", err)
	}

	c.logger.Info("device linked", "device_id", cred.DeviceID, "expires_at", cred.ExpiresAt)
	c.emit(StateChange{State: StateSignedIn, DeviceID: cred.DeviceID, At: c.now()})
	return cred, nil
}

func (c *Client) forgetPairing(h PairingHandle) {
	err := c.update(func(st *State) {
		if st.Pairing != nil && st.Pairing.Code == h.Code {
			st.Pairing = nil
		}
	})
	if err != nil {
		c.logger.Warn("failed to clear pairing", "error", err)
	}
}

// GetValidTokenOrRefresh returns a credential good for at least RefreshMargin, rotating it
// first if needed. It returns ErrSignedOut when there is none or the server refused the
// refresh; the stored credential is cleared in that case. A refresh that fails for transport
// reasons keeps a token that has not expired yet.
func (c *Client) GetValidTokenOrRefresh(ctx context.Context) (*Credential, error) {
	st, err := c.load()
	if err != nil {
		return nil, err
	}
	cred := st.Credential
	if cred == nil {
		return nil, ErrSignedOut
	}
	if c.now().Add(c.cfg.RefreshMargin).Before(cred.ExpiresAt) {
		return cred, nil
	}

	current := *cred
	v, err, _ := c.refreshes.Do(current.Token, func() (interface{}, error) {
		return c.refresh(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*Credential)
	return &out, nil
}

func (c *Client) refresh(ctx context.Context, cred Credential) (*Credential, error) {
	// Another caller may have rotated or dropped it since we read it.
	st, err := c.load()
	if err != nil {
		return nil, err
	}
	switch {
	case st.Credential == nil:
		return nil, ErrSignedOut
	case st.Credential.Token != cred.Token:
		latest := *st.Credential
		return &latest, nil
	}

	resp, err := c.api.Refresh(ctx, cred.Token)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !rejected(err) && c.now().Before(cred.ExpiresAt) {
			c.logger.Warn("token refresh failed, keeping current token", "device_id", cred.DeviceID, "error", err)
			return &cred, nil
		}
		c.logger.Warn("token refresh failed, signing out", "device_id", cred.DeviceID, "error", err)
		if clearErr := c.dropCredential(err); clearErr != nil {
			c.logger.Error("failed to clear credential", "error", clearErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrSignedOut, err)
	}

	next := &Credential{Token: resp.Token, ExpiresAt: resp.ExpiresAt, DeviceID: cred.DeviceID}
	if err := c.update(func(st *State) {
		saved := *next
		st.Credential = &saved
	}); err != nil {
		// The old token is already dead on the server.
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}

	c.logger.Info("token refreshed", "device_id", next.DeviceID, "expires_at", next.ExpiresAt)
	c.emit(StateChange{State: StateRefreshed, DeviceID: next.DeviceID, At: c.now()})
	return next, nil
}

// dropCredential clears the stored credential and publishes StateSignedOut if there was one.
func (c *Client) dropCredential(reason error) error {
	var dropped *Credential
	err := c.update(func(st *State) {
		dropped = st.Credential
		st.Credential = nil
	})
	if dropped != nil {
		c.emit(StateChange{State: StateSignedOut, DeviceID: dropped.DeviceID, Reason: reason, At: c.now()})
	}
	return err
}

// SignOut revokes the token on the server if it can and always forgets it locally.
func (c *Client) SignOut(ctx context.Context) error {
	st, err := c.load()
	if err != nil {
		return err
	}
	if st.Credential != nil {
		if err := c.api.Revoke(ctx, st.Credential.Token); err != nil {
			c.logger.Warn("server revoke failed", "device_id", st.Credential.DeviceID, "error", err)
		}
	}

	var dropped *Credential
	err = c.update(func(st *State) {
		dropped = st.Credential
		st.Credential = nil
		st.Pairing = nil
	})
	if dropped != nil {
		c.emit(StateChange{State: StateSignedOut, DeviceID: dropped.DeviceID, At: c.now()})
	}
	return err
}

// checkExpiry signs out an expired credential and refreshes one inside the margin.
func (c *Client) checkExpiry(ctx context.Context) {
	cred, err := c.Credential()
	if err != nil {
		c.logger.Warn("failed to read credential", "error", err)
		return
	}
	if cred == nil {
		return
	}

	now := c.now()
	switch {
	case !now.Before(cred.ExpiresAt):
		c.logger.Info("device token expired", "device_id", cred.DeviceID)
		if err := c.dropCredential(ErrExpired); err != nil {
			c.logger.Error("failed to clear credential", "error", err)
		}
	case now.Add(c.cfg.RefreshMargin).After(cred.ExpiresAt):
		if _, err := c.GetValidTokenOrRefresh(ctx); err != nil && !errors.Is(err, ErrSignedOut) {
			c.logger.Warn("proactive refresh failed", "error", err)
		}
	}
}
