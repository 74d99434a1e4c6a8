package beacon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/beaconhq/go-client-sdk/api"
	"github.com/beaconhq/go-client-sdk/util"
)

// CredentialStore persists the credential pair between sessions. The
// implementations live in the storage package.
type CredentialStore interface {
	Load(ctx context.Context) (api.CredentialPair, error)
	Save(ctx context.Context, pair api.CredentialPair) error
	Clear(ctx context.Context) error
}

type AuthState int

const (
	AuthUnauthenticated AuthState = iota
	AuthAuthenticated
	AuthRefreshing
)

func (s AuthState) String() string {
	switch s {
	case AuthUnauthenticated:
		return "unauthenticated"
	case AuthAuthenticated:
		return "authenticated"
	case AuthRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

var authTransitions = map[AuthState][]AuthState{
	AuthUnauthenticated: {AuthAuthenticated},
	AuthAuthenticated:   {AuthRefreshing, AuthUnauthenticated},
	AuthRefreshing:      {AuthAuthenticated, AuthUnauthenticated},
}

// CanTransitionAuth reports whether from -> to is a legal auth state edge.
// Staying in the same state is always allowed.
func CanTransitionAuth(from, to AuthState) bool {
	if from == to {
		return true
	}
	for _, next := range authTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	errNoCredentials      = errors.New("no credentials to refresh")
	errCredentialsChanged = errors.New("credentials replaced while refreshing")
)

// AuthCoordinator owns the credential pair. Concurrent Refresh calls share a
// single request to the backend.
type AuthCoordinator struct {
	cfg     *HTTPConfiguration
	options *Options
	store   CredentialStore

	// writeMu serializes every change to the pair together with its store
	// write, so the in-memory pair and the store never disagree.
	writeMu sync.Mutex

	mu    sync.RWMutex
	pair  api.CredentialPair
	state AuthState
	// epoch increments on SignIn and SignOut. A refresh started under an
	// older epoch does not install or clear anything.
	epoch uint64

	group singleflight.Group

	hooksMu sync.Mutex
	hooks   map[*func()]struct{}

	stop   context.CancelFunc
	stopWG sync.WaitGroup
}

func NewAuthCoordinator(ctx context.Context, options *Options, cfg *HTTPConfiguration, store CredentialStore) (*AuthCoordinator, error) {
	pair, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	a := &AuthCoordinator{
		cfg:     cfg,
		options: options,
		store:   store,
		pair:    pair,
		hooks:   make(map[*func()]struct{}),
	}
	if pair.AccessToken != "" {
		a.state = AuthAuthenticated
	}

	var refreshCtx context.Context
	refreshCtx, a.stop = context.WithCancel(context.Background())
	if options.TokenRefreshInterval > 0 {
		a.stopWG.Add(1)
		go a.refreshPeriodically(refreshCtx, options.TokenRefreshInterval)
	}
	return a, nil
}

func (a *AuthCoordinator) AccessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pair.AccessToken
}

func (a *AuthCoordinator) Credentials() api.CredentialPair {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pair
}

func (a *AuthCoordinator) State() AuthState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// setState must be called with a.mu held.
func (a *AuthCoordinator) setState(to AuthState) {
	if !CanTransitionAuth(a.state, to) {
		util.Errorf("Ignoring auth state change %s -> %s: %v", a.state, to, ErrIllegalTransition)
		return
	}
	a.state = to
}

// SignIn installs a credential pair obtained by the external sign-in flow.
func (a *AuthCoordinator) SignIn(ctx context.Context, pair api.CredentialPair) error {
	if pair.AccessToken == "" {
		return errors.New("sign in requires an access token")
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if err := a.store.Save(ctx, pair); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	a.mu.Lock()
	a.pair = pair
	a.epoch++
	a.setState(AuthAuthenticated)
	a.mu.Unlock()
	return nil
}

func (a *AuthCoordinator) SignOut(ctx context.Context) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	a.pair = api.CredentialPair{}
	a.epoch++
	a.setState(AuthUnauthenticated)
	a.mu.Unlock()

	if err := a.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// OnUnauthenticated registers fn to run whenever a refresh fails or finds no
// credentials to refresh. The returned func removes it.
func (a *AuthCoordinator) OnUnauthenticated(fn func()) (unsubscribe func()) {
	key := &fn
	a.hooksMu.Lock()
	a.hooks[key] = struct{}{}
	a.hooksMu.Unlock()

	return func() {
		a.hooksMu.Lock()
		delete(a.hooks, key)
		a.hooksMu.Unlock()
	}
}

// Refresh obtains fresh credentials. Callers arriving while a refresh is in
// flight wait for that refresh instead of starting another. The shared
// refresh is not cancelled when one waiter's ctx is.
func (a *AuthCoordinator) Refresh(ctx context.Context) error {
	ch := a.group.DoChan("refresh", func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.options.RequestTimeout)
		defer cancel()
		return nil, a.refresh(refreshCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AuthCoordinator) refresh(ctx context.Context) error {
	a.mu.Lock()
	pair, epoch := a.pair, a.epoch
	if pair.IsEmpty() {
		a.mu.Unlock()
		a.notifyUnauthenticated()
		return fmt.Errorf("%w: %w", ErrRefreshFailed, errNoCredentials)
	}
	a.setState(AuthRefreshing)
	a.mu.Unlock()

	var (
		next api.CredentialPair
		err  error
	)
	if pair.RefreshToken != "" {
		next, err = a.exchangeRefreshToken(ctx, pair)
	} else {
		next, err = a.confirmIdentity(ctx, pair)
	}
	if err != nil {
		if !a.forceSignOut(ctx, epoch) {
			return a.superseded()
		}
		util.Warnf("Credential refresh failed, signed out: %v", err)
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	a.writeMu.Lock()
	if a.currentEpoch() != epoch {
		a.writeMu.Unlock()
		return a.superseded()
	}
	if err := a.store.Save(ctx, next); err != nil {
		util.Warnf("Failed to persist refreshed credentials: %v", err)
	}
	a.mu.Lock()
	a.pair = next
	a.setState(AuthAuthenticated)
	a.mu.Unlock()
	a.writeMu.Unlock()

	emitClientEvent(a.options.ClientEventHandler, api.ClientEvent{
		EventType: api.ClientEventType_CredentialsRefreshed,
		EventData: "Credentials refreshed",
		Status:    "success",
	})
	return nil
}

func (a *AuthCoordinator) exchangeRefreshToken(ctx context.Context, pair api.CredentialPair) (api.CredentialPair, error) {
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	r, body, err := a.cfg.performRequest(ctx, http.MethodPost, a.options.RefreshPath, api.RefreshRequest{RefreshToken: pair.RefreshToken}, headers)
	if err != nil {
		return api.CredentialPair{}, err
	}
	if r.StatusCode >= 300 {
		return api.CredentialPair{}, handleError(r, body)
	}

	var resp api.RefreshResponse
	if err := decode(&resp, body, r.Header.Get("Content-Type")); err != nil {
		return api.CredentialPair{}, fmt.Errorf("decode refresh response: %w", err)
	}
	next := resp.Pair()
	if next.AccessToken == "" {
		return api.CredentialPair{}, errors.New("refresh response did not include an access token")
	}
	if next.RefreshToken == "" {
		next.RefreshToken = pair.RefreshToken
	}
	return next, nil
}

// confirmIdentity is used when only an access token is held: the session is
// still valid if the backend accepts it.
func (a *AuthCoordinator) confirmIdentity(ctx context.Context, pair api.CredentialPair) (api.CredentialPair, error) {
	headers := map[string]string{
		"Accept":        "application/json",
		"Authorization": "Bearer " + pair.AccessToken,
	}
	r, body, err := a.cfg.performRequest(ctx, http.MethodGet, a.options.IdentityPath, nil, headers)
	if err != nil {
		return api.CredentialPair{}, err
	}
	if r.StatusCode >= 300 {
		return api.CredentialPair{}, handleError(r, body)
	}
	return pair, nil
}

func (a *AuthCoordinator) currentEpoch() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.epoch
}

// superseded is the result of a refresh whose credentials were replaced by
// SignIn or SignOut while it ran. Its outcome is discarded. A caller holding
// fresh credentials from SignIn may simply retry.
func (a *AuthCoordinator) superseded() error {
	if a.AccessToken() != "" {
		util.Debugf("Discarding refresh result, credentials were replaced by sign in")
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRefreshFailed, errCredentialsChanged)
}

// forceSignOut clears the pair obtained under epoch and notifies the sign-in
// collaborators. It reports false, changing nothing, when the pair has
// already been replaced.
func (a *AuthCoordinator) forceSignOut(ctx context.Context, epoch uint64) bool {
	a.writeMu.Lock()
	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		a.writeMu.Unlock()
		return false
	}
	a.pair = api.CredentialPair{}
	a.setState(AuthUnauthenticated)
	a.mu.Unlock()

	if err := a.store.Clear(ctx); err != nil {
		util.Warnf("Failed to clear stored credentials: %v", err)
	}
	a.writeMu.Unlock()

	a.notifyUnauthenticated()
	return true
}

// notifyUnauthenticated runs the OnUnauthenticated hooks and emits the
// unauthenticated client event.
func (a *AuthCoordinator) notifyUnauthenticated() {
	a.hooksMu.Lock()
	hooks := make([]func(), 0, len(a.hooks))
	for fn := range a.hooks {
		hooks = append(hooks, *fn)
	}
	a.hooksMu.Unlock()

	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					util.Errorf("Recovered from panic in unauthenticated hook: %v", r)
				}
			}()
			fn()
		}()
	}

	emitClientEvent(a.options.ClientEventHandler, api.ClientEvent{
		EventType: api.ClientEventType_Unauthenticated,
		EventData: "Credentials rejected, sign in required",
		Status:    "failure",
		Error:     ErrRefreshFailed,
	})
}

func (a *AuthCoordinator) refreshPeriodically(ctx context.Context, interval time.Duration) {
	defer a.stopWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.State() != AuthAuthenticated {
				continue
			}
			if err := a.Refresh(ctx); err != nil {
				util.Warnf("Scheduled credential refresh failed: %v", err)
			}
		}
	}
}

// Close stops the periodic refresh, if any.
func (a *AuthCoordinator) Close() {
	a.stop()
	a.stopWG.Wait()
}
