package session

import (
	"context"
	"sync"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/role"
)

const (
	DefaultFetchAttempts = 3
	DefaultFetchDelay    = 1500 * time.Millisecond
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Option func(*Resolver)

// WithRetry sets the role fetch budget: up to `attempts` fetches, `delay` apart.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(r *Resolver) {
		r.attempts = attempts
		r.delay = delay
	}
}

func WithSleeper(s Sleeper) Option {
	return func(r *Resolver) { r.sleep = s }
}

func WithLogger(l core.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// Resolver owns the signed in identity, its roles and the active role.
//
// Role resolution is the single routine run after any session change (sign-in, sign-up,
// startup with a persisted session, provider notification). Each identity change bumps a
// generation counter; a resolution only applies its result if the generation it started
// with is still current and no newer resolution applied first.
type Resolver struct {
	idp    IdentityProvider
	roles  RoleStore
	logger core.Logger

	attempts int
	delay    time.Duration
	sleep    Sleeper

	mu          sync.Mutex
	state       State
	gen         uint64
	resolveSeq  uint64
	appliedSeq  uint64
	inflight    int
	watchers    map[int]func(State)
	nextWatcher int

	bgCtx       context.Context
	bgCancel    context.CancelFunc
	bg          sync.WaitGroup
	unsubscribe func()
}

func NewResolver(idp IdentityProvider, roles RoleStore, opts ...Option) *Resolver {
	vala.BeginValidation().Validate(
		vala.IsNotNil(idp, "idp"),
		vala.IsNotNil(roles, "roles"),
	).CheckAndPanic()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		idp:      idp,
		roles:    roles,
		logger:   core.NopLogger{},
		attempts: DefaultFetchAttempts,
		delay:    DefaultFetchDelay,
		sleep:    sleep,
		watchers: make(map[int]func(State)),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.attempts < 1 {
		r.attempts = 1
	}
	return r
}

// State returns a snapshot of the resolver.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// Watch calls fn with a snapshot after every state change, until cancel is called.
func (r *Resolver) Watch(fn func(State)) (cancel func()) {
	r.mu.Lock()
	id := r.nextWatcher
	r.nextWatcher++
	r.watchers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

// Start subscribes to the provider's session changes and restores the persisted session, if any.
func (r *Resolver) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.unsubscribe == nil {
		r.unsubscribe = r.idp.OnSessionChanged(r.sessionChanged)
	}
	r.mu.Unlock()

	sess, err := r.idp.CurrentSession(ctx)
	if err != nil {
		r.logger.Warn("restoring session", err)
		return NewError("start", KindProvider, err)
	}
	if sess == nil {
		return nil
	}

	r.resolveRoles(ctx, r.establish(sess, false))
	return nil
}

// Close unsubscribes from the provider and waits for the background resolutions to stop.
func (r *Resolver) Close() {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	r.bgCancel()
	r.bg.Wait()
}

// Wait blocks until the resolutions triggered by provider notifications are done.
func (r *Resolver) Wait() {
	r.bg.Wait()
}

// SignUp creates the account, assigns the requested role, then resolves the roles.
// No role is written if the account could not be created. If the role write fails the
// account is kept and signed in, and a KindRoleWrite error is returned.
func (r *Resolver) SignUp(ctx context.Context, email, password string, profile Profile, requested role.Role) error {
	const op = "signup"
	if !requested.Valid() {
		return &Error{
			Kind:   KindCredential,
			Op:     op,
			Err:    errors.Wrapf(role.ErrInvalid, "%q", requested),
			Fields: map[string]string{"role": role.ErrInvalid.Error()},
		}
	}

	prev := r.beginAuth()
	sess, err := r.idp.CreateAccount(ctx, email, password, Metadata{Profile: profile, Role: requested})
	if err != nil {
		r.failAuth(prev)
		return NewError(op, KindCredential, err)
	}
	if sess == nil {
		r.failAuth(prev)
		return &Error{Kind: KindProvider, Op: op, Err: errors.New("no session returned")}
	}

	id := r.establish(sess, true)

	var writeErr error
	if err = r.roles.AddRole(ctx, id, requested); err != nil {
		writeErr = &Error{Kind: KindRoleWrite, Op: op, Err: err}
		r.logger.Error("assigning initial role", writeErr, map[string]interface{}{"identity_id": id, "role": requested})
	}

	r.resolveRoles(ctx, id)
	return writeErr
}

// SignIn verifies the credentials with the provider, then resolves the roles.
func (r *Resolver) SignIn(ctx context.Context, email, password string) error {
	const op = "signin"

	prev := r.beginAuth()
	sess, err := r.idp.Authenticate(ctx, email, password)
	if err != nil {
		r.failAuth(prev)
		return NewError(op, KindCredential, err)
	}
	if sess == nil {
		r.failAuth(prev)
		return &Error{Kind: KindProvider, Op: op, Err: errors.New("no session returned")}
	}

	r.resolveRoles(ctx, r.establish(sess, true))
	return nil
}

// SignOut invalidates the session with the provider, then clears the local state.
// The local state is cleared even if the provider call fails; that error is still returned.
func (r *Resolver) SignOut(ctx context.Context) error {
	err := r.idp.InvalidateSession(ctx)
	r.clear()
	if err != nil {
		r.logger.Warn("invalidating session", err)
		return NewError("signout", KindProvider, err)
	}
	return nil
}

// SelectRole sets the active role. The role must be one of the available roles.
func (r *Resolver) SelectRole(rl role.Role) error {
	r.mu.Lock()
	if r.state.Identity == nil || !role.Contains(r.state.AvailableRoles, rl) {
		r.mu.Unlock()
		return &Error{Kind: KindInvalidRoleSelection, Op: "select_role", Err: errors.Errorf("%q is not an available role", rl)}
	}
	r.state.ActiveRole = rl
	r.state.Phase = RoleResolved
	snap, watchers := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snap, watchers)
	return nil
}

// beginAuth enters Authenticating and returns the phase to go back to on failure.
func (r *Resolver) beginAuth() Phase {
	r.mu.Lock()
	prev := r.state.Phase
	r.state.Phase = Authenticating
	r.state.Loading = true
	snap, watchers := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snap, watchers)
	return prev
}

// failAuth reports AuthFailed, then goes back to `prev`. Only the phase is put back:
// if the state moved on during the attempt (roles applied, signed out, signed in elsewhere),
// the new state is kept.
func (r *Resolver) failAuth(prev Phase) {
	r.mu.Lock()
	phase := r.state.Phase
	if phase == Authenticating {
		phase = prev
	}
	r.state.Phase = AuthFailed
	r.state.Loading = false
	failed, watchers := r.snapshotLocked()

	r.state.Phase = phase
	r.state.Loading = r.inflight > 0 || phase == RoleResolving || phase == Authenticating
	restored, _ := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(failed, watchers)
	r.notify(restored, watchers)
}

// establish sets the session. A new identity resets the roles and bumps the generation.
// `force` marks a session coming from the resolver's own sign-in/sign-up.
func (r *Resolver) establish(sess *Session, force bool) string {
	r.mu.Lock()
	s := *sess
	id := s.Identity
	sameIdentity := r.state.Identity != nil && r.state.Identity.ID == id.ID

	r.state.Session = &s
	if !sameIdentity || force {
		r.gen++
		r.state.Identity = &id
		r.state.AvailableRoles = nil
		r.state.ActiveRole = ""
	}
	r.state.Phase = RoleResolving
	r.state.Loading = true
	snap, watchers := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snap, watchers)
	return id.ID
}

// clear drops the identity and everything bound to it.
func (r *Resolver) clear() {
	r.mu.Lock()
	r.gen++
	r.state = State{Phase: Unauthenticated}
	snap, watchers := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snap, watchers)
}

// sessionChanged handles the provider notifications.
func (r *Resolver) sessionChanged(sess *Session) {
	r.mu.Lock()
	phase := r.state.Phase
	curr := r.state.Identity
	r.mu.Unlock()

	switch {
	case phase == Authenticating:
		// the in-flight sign-in/sign-up establishes the session itself
		return
	case sess == nil:
		if curr != nil {
			r.logger.Info("session ended by the identity provider", map[string]interface{}{"identity_id": curr.ID})
			r.clear()
		}
		return
	case curr != nil && curr.ID == sess.Identity.ID && phase == RoleResolving:
		// token refresh while resolving
		r.mu.Lock()
		s := *sess
		r.state.Session = &s
		r.mu.Unlock()
		return
	}

	id := r.establish(sess, false)
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		r.resolveRoles(r.bgCtx, id)
	}()
}

// resolveRoles fetches the identity's roles and routes to the active role.
// Fetch attempts are sequential, `delay` apart; errors and empty results are retried.
// Running it again for the same identity yields the same result.
func (r *Resolver) resolveRoles(ctx context.Context, identityID string) {
	r.mu.Lock()
	if r.state.Identity == nil || r.state.Identity.ID != identityID {
		r.mu.Unlock()
		return
	}
	gen := r.gen
	r.resolveSeq++
	seq := r.resolveSeq
	r.inflight++
	r.state.Phase = RoleResolving
	r.state.Loading = true
	snap, watchers := r.snapshotLocked()
	r.mu.Unlock()
	r.notify(snap, watchers)

	roles, fetched := r.fetchRoles(ctx, identityID, gen)

	r.mu.Lock()
	r.inflight--
	if gen != r.gen || seq < r.appliedSeq {
		// the identity changed meanwhile, or a newer resolution already applied
		r.state.Loading = r.inflight > 0
		r.mu.Unlock()
		return
	}
	r.appliedSeq = seq
	r.apply(roles)
	r.state.Loading = r.inflight > 0
	snap, watchers = r.snapshotLocked()
	r.mu.Unlock()

	if !fetched {
		r.logger.Warn("no role resolved", map[string]interface{}{"identity_id": identityID, "attempts": r.attempts})
	}
	r.notify(snap, watchers)
}

// fetchRoles returns the roles found by the first successful non-empty fetch.
// fetched is false when the budget is exhausted (or the identity changed) without finding any.
func (r *Resolver) fetchRoles(ctx context.Context, identityID string, gen uint64) (roles []role.Role, fetched bool) {
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			if err := r.sleep(ctx, r.delay); err != nil {
				return nil, false
			}
		}
		if r.stale(gen) {
			return nil, false
		}

		rls, err := r.roles.ListRoles(ctx, identityID)
		if err != nil {
			r.logger.Warn("fetching roles", &Error{Kind: KindRoleFetch, Op: "resolve_roles", Err: err},
				map[string]interface{}{"identity_id": identityID, "attempt": attempt})
			continue
		}
		if rls = role.Normalize(rls); len(rls) > 0 {
			return rls, true
		}
	}
	return nil, false
}

func (r *Resolver) stale(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen != r.gen
}

// apply routes the resolved roles. Must be called with mu held.
func (r *Resolver) apply(roles []role.Role) {
	r.state.AvailableRoles = roles
	switch len(roles) {
	case 0:
		r.state.ActiveRole = ""
		r.state.Phase = RoleResolved
	case 1:
		r.state.ActiveRole = roles[0]
		r.state.Phase = RoleResolved
	default:
		if role.Contains(roles, r.state.ActiveRole) {
			r.state.Phase = RoleResolved
		} else {
			r.state.ActiveRole = ""
			r.state.Phase = RoleSelectionPending
		}
	}
}

func (r *Resolver) snapshotLocked() (State, []func(State)) {
	watchers := make([]func(State), 0, len(r.watchers))
	for _, fn := range r.watchers {
		watchers = append(watchers, fn)
	}
	return r.state.clone(), watchers
}

func (r *Resolver) notify(snap State, watchers []func(State)) {
	for _, fn := range watchers {
		fn(snap)
	}
}
