package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/academia/core/role"
)

var (
	errBadCredentials = errors.New("invalid email or password")
	errUnreachable    = errors.New("connection refused")
)

type account struct {
	id       string
	password string
}

// fakeIdP is an in-memory IdentityProvider.
type fakeIdP struct {
	mu            sync.Mutex
	accounts      map[string]account
	current       *Session
	listeners     map[int]func(*Session)
	nextListener  int
	createCalls   int
	currentErr    error
	invalidateErr error
}

func newFakeIdP() *fakeIdP {
	return &fakeIdP{accounts: make(map[string]account), listeners: make(map[int]func(*Session))}
}

func (p *fakeIdP) register(email, pwd, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[email] = account{id: id, password: pwd}
}

func (p *fakeIdP) newSession(id, email string) *Session {
	return &Session{
		ID:        "sess-" + id,
		Token:     "token-" + id,
		Identity:  Identity{ID: id, Email: email},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func (p *fakeIdP) CreateAccount(_ context.Context, email, password string, _ Metadata) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if _, ok := p.accounts[email]; ok {
		return nil, errors.New("email already registered")
	}
	id := fmt.Sprintf("id-%d", len(p.accounts)+1)
	p.accounts[email] = account{id: id, password: password}
	p.current = p.newSession(id, email)
	return p.current, nil
}

func (p *fakeIdP) Authenticate(_ context.Context, email, password string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[email]
	if !ok || acc.password != password {
		return nil, errBadCredentials
	}
	p.current = p.newSession(acc.id, email)
	return p.current, nil
}

func (p *fakeIdP) InvalidateSession(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.invalidateErr != nil {
		return p.invalidateErr
	}
	p.current = nil
	return nil
}

func (p *fakeIdP) CurrentSession(context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.currentErr
}

func (p *fakeIdP) OnSessionChanged(fn func(*Session)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// emit simulates a session change originating from the provider.
func (p *fakeIdP) emit(sess *Session) {
	p.mu.Lock()
	p.current = sess
	listeners := make([]func(*Session), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(sess)
	}
}

// fakeRoleStore is an in-memory RoleStore. listErrs are returned by the first ListRoles calls;
// the roles of an identity only become visible after `lag` calls.
type fakeRoleStore struct {
	mu       sync.Mutex
	roles    map[string][]role.Role
	listErrs []error
	lag      int
	addErr   error
	calls    int
	adds     int
	onList   func(call int, identityID string)
}

func newFakeRoleStore() *fakeRoleStore {
	return &fakeRoleStore{roles: make(map[string][]role.Role)}
}

func (s *fakeRoleStore) ListRoles(_ context.Context, identityID string) ([]role.Role, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	hook := s.onList
	var err error
	if len(s.listErrs) > 0 {
		err, s.listErrs = s.listErrs[0], s.listErrs[1:]
	}
	var roles []role.Role
	if err == nil && call > s.lag {
		roles = append(roles, s.roles[identityID]...)
	}
	s.mu.Unlock()

	if hook != nil {
		hook(call, identityID)
	}
	return roles, err
}

func (s *fakeRoleStore) AddRole(_ context.Context, identityID string, r role.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	if s.addErr != nil {
		return s.addErr
	}
	if !role.Contains(s.roles[identityID], r) {
		s.roles[identityID] = append(s.roles[identityID], r)
	}
	return nil
}

func (s *fakeRoleStore) set(identityID string, roles ...role.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[identityID] = roles
}

func (s *fakeRoleStore) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recLogger struct {
	mu    sync.Mutex
	warns []string
	errs  []string
}

func (l *recLogger) Debug(string, ...interface{}) {}
func (l *recLogger) Info(string, ...interface{})  {}
func (l *recLogger) Fatal(string, ...interface{}) {}

func (l *recLogger) Warn(msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recLogger) Error(msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

type recSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recSleeper) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

type fixture struct {
	idp     *fakeIdP
	store   *fakeRoleStore
	logger  *recLogger
	sleeper *recSleeper
	res     *Resolver
}

func setup(t *testing.T) *fixture {
	f := &fixture{
		idp:     newFakeIdP(),
		store:   newFakeRoleStore(),
		logger:  new(recLogger),
		sleeper: new(recSleeper),
	}
	f.res = NewResolver(f.idp, f.store,
		WithRetry(DefaultFetchAttempts, DefaultFetchDelay),
		WithSleeper(f.sleeper.sleep),
		WithLogger(f.logger),
	)
	if err := f.res.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(f.res.Close)
	return f
}

func (f *fixture) signIn(t *testing.T, email, pwd, id string, roles ...role.Role) State {
	f.idp.register(email, pwd, id)
	f.store.set(id, roles...)
	if err := f.res.SignIn(context.Background(), email, pwd); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}
	return f.res.State()
}

func TestResolver_SignUp(t *testing.T) {
	tests := []struct {
		role role.Role
	}{
		{role: role.Student},
		{role: role.Instructor},
		{role: role.Company},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			f := setup(t)
			err := f.res.SignUp(context.Background(), "new@academia.test", "Pwd.1234!", Profile{Name: "New"}, tt.role)
			if err != nil {
				t.Fatalf("SignUp() error = %v", err)
			}

			st := f.res.State()
			assert.True(t, st.Authenticated())
			assert.Equal(t, "new@academia.test", st.Identity.Email)
			assert.Equal(t, []role.Role{tt.role}, st.AvailableRoles)
			assert.Equal(t, tt.role, st.ActiveRole)
			assert.Equal(t, RoleResolved, st.Phase)
			assert.False(t, st.Loading)
			assert.Equal(t, ViewDashboard, st.View())
			assert.Equal(t, 1, f.store.adds)
		})
	}
}

func TestResolver_SignUp_Failures(t *testing.T) {
	t.Run("invalid role", func(t *testing.T) {
		f := setup(t)
		err := f.res.SignUp(context.Background(), "new@academia.test", "Pwd.1234!", Profile{}, role.Role("teacher"))
		assert.True(t, IsKind(err, KindCredential), "error = %v", err)
		assert.True(t, errors.Is(err, role.ErrInvalid))
		var sErr *Error
		if assert.True(t, errors.As(err, &sErr)) {
			assert.Equal(t, role.ErrInvalid.Error(), sErr.Fields["role"])
		}
		assert.Equal(t, 0, f.idp.createCalls)
		assert.Equal(t, Unauthenticated, f.res.State().Phase)
	})

	t.Run("duplicate account", func(t *testing.T) {
		f := setup(t)
		f.idp.register("taken@academia.test", "pwd", "id-taken")

		var phases []Phase
		cancel := f.res.Watch(func(st State) { phases = append(phases, st.Phase) })
		defer cancel()

		err := f.res.SignUp(context.Background(), "taken@academia.test", "Pwd.1234!", Profile{}, role.Student)
		assert.True(t, IsKind(err, KindCredential), "error = %v", err)
		assert.Equal(t, 0, f.store.adds, "no role must be written")
		assert.Equal(t, []Phase{Authenticating, AuthFailed, Unauthenticated}, phases)

		st := f.res.State()
		assert.False(t, st.Authenticated())
		assert.Equal(t, ViewSignIn, st.View())
	})

	t.Run("provider error kind is kept", func(t *testing.T) {
		f := setup(t)
		idp := &unreachableIdP{fakeIdP: f.idp}
		res := NewResolver(idp, f.store, WithSleeper(f.sleeper.sleep))
		defer res.Close()

		err := res.SignUp(context.Background(), "new@academia.test", "Pwd.1234!", Profile{}, role.Student)
		assert.True(t, IsKind(err, KindProvider), "error = %v", err)
		assert.True(t, errors.Is(err, errUnreachable))
	})

	t.Run("role write failure keeps the account", func(t *testing.T) {
		f := setup(t)
		f.store.addErr = errors.New("write timeout")

		err := f.res.SignUp(context.Background(), "new@academia.test", "Pwd.1234!", Profile{}, role.Company)
		assert.True(t, IsKind(err, KindRoleWrite), "error = %v", err)
		assert.Len(t, f.logger.errs, 1)

		st := f.res.State()
		assert.True(t, st.Authenticated())
		assert.Empty(t, st.AvailableRoles)
		assert.Equal(t, role.Role(""), st.ActiveRole)
		assert.Equal(t, ViewNoRole, st.View())
		assert.False(t, st.CanAccess())
	})
}

type unreachableIdP struct {
	*fakeIdP
}

func (p *unreachableIdP) CreateAccount(context.Context, string, string, Metadata) (*Session, error) {
	return nil, &Error{Kind: KindProvider, Err: errUnreachable}
}

func TestResolver_SignIn(t *testing.T) {
	tests := []struct {
		name       string
		roles      []role.Role
		wantPhase  Phase
		wantActive role.Role
		wantView   View
	}{
		{name: "single role", roles: []role.Role{role.Instructor}, wantPhase: RoleResolved, wantActive: role.Instructor, wantView: ViewDashboard},
		{name: "duplicate role", roles: []role.Role{role.Student, role.Student}, wantPhase: RoleResolved, wantActive: role.Student, wantView: ViewDashboard},
		{name: "many roles", roles: []role.Role{role.Company, role.Student}, wantPhase: RoleSelectionPending, wantView: ViewRoleSelection},
		{name: "no role", wantPhase: RoleResolved, wantView: ViewNoRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			st := f.signIn(t, "user@academia.test", "pwd", "id-user", tt.roles...)

			assert.Equal(t, tt.wantPhase, st.Phase)
			assert.Equal(t, tt.wantActive, st.ActiveRole)
			assert.Equal(t, tt.wantView, st.View())
			assert.Equal(t, role.Normalize(tt.roles), st.AvailableRoles)
		})
	}
}

func TestResolver_SignIn_BadCredentials(t *testing.T) {
	f := setup(t)
	f.idp.register("user@academia.test", "pwd", "id-user")

	err := f.res.SignIn(context.Background(), "user@academia.test", "wrong")
	assert.True(t, IsKind(err, KindCredential), "error = %v", err)
	assert.True(t, errors.Is(err, errBadCredentials))
	assert.Equal(t, 0, f.store.listCalls())

	st := f.res.State()
	assert.Equal(t, Unauthenticated, st.Phase)
	assert.False(t, st.Authenticated())
}

func TestResolver_SignIn_BadCredentialsKeepsSession(t *testing.T) {
	f := setup(t)
	f.signIn(t, "user@academia.test", "pwd", "id-user", role.Student)

	err := f.res.SignIn(context.Background(), "user@academia.test", "wrong")
	assert.True(t, IsKind(err, KindCredential), "error = %v", err)

	st := f.res.State()
	assert.Equal(t, "id-user", st.Identity.ID)
	assert.Equal(t, role.Student, st.ActiveRole)
	assert.Equal(t, RoleResolved, st.Phase)
}

// gatedIdP holds Authenticate until release is closed.
type gatedIdP struct {
	*fakeIdP
	entered chan struct{}
	release chan struct{}
}

func (p *gatedIdP) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	close(p.entered)
	<-p.release
	return p.fakeIdP.Authenticate(ctx, email, password)
}

func TestResolver_SignIn_FailureAfterRolesApplied(t *testing.T) {
	idp := &gatedIdP{fakeIdP: newFakeIdP(), entered: make(chan struct{}), release: make(chan struct{})}
	idp.register("user@academia.test", "pwd", "id-user")
	idp.current = idp.newSession("id-user", "user@academia.test")

	store := newFakeRoleStore()
	store.set("id-user", role.Student)
	listing, rolesGate := make(chan struct{}), make(chan struct{})
	store.onList = func(call int, _ string) {
		if call == 1 {
			close(listing)
			<-rolesGate
		}
	}

	res := NewResolver(idp, store, WithSleeper(new(recSleeper).sleep))
	defer res.Close()

	started := make(chan error, 1)
	go func() { started <- res.Start(context.Background()) }()
	<-listing
	assert.Equal(t, RoleResolving, res.State().Phase)

	signedIn := make(chan error, 1)
	go func() { signedIn <- res.SignIn(context.Background(), "user@academia.test", "wrong") }()
	<-idp.entered
	assert.Equal(t, Authenticating, res.State().Phase)

	// the restored session's roles land while the sign-in is still pending
	close(rolesGate)
	if err := <-started; err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	assert.Equal(t, RoleResolved, res.State().Phase)

	close(idp.release)
	err := <-signedIn
	assert.True(t, IsKind(err, KindCredential), "error = %v", err)

	st := res.State()
	assert.Equal(t, RoleResolved, st.Phase)
	assert.False(t, st.Loading)
	assert.Equal(t, "id-user", st.Identity.ID)
	assert.Equal(t, []role.Role{role.Student}, st.AvailableRoles)
	assert.Equal(t, role.Student, st.ActiveRole)
	assert.Equal(t, ViewDashboard, st.View())
}

func TestResolver_SignIn_FailureWhileResolving(t *testing.T) {
	idp := &gatedIdP{fakeIdP: newFakeIdP(), entered: make(chan struct{}), release: make(chan struct{})}
	idp.register("user@academia.test", "pwd", "id-user")
	idp.current = idp.newSession("id-user", "user@academia.test")

	store := newFakeRoleStore()
	store.set("id-user", role.Company)
	listing, rolesGate := make(chan struct{}), make(chan struct{})
	store.onList = func(call int, _ string) {
		if call == 1 {
			close(listing)
			<-rolesGate
		}
	}

	res := NewResolver(idp, store, WithSleeper(new(recSleeper).sleep))
	defer res.Close()

	started := make(chan error, 1)
	go func() { started <- res.Start(context.Background()) }()
	<-listing

	signedIn := make(chan error, 1)
	go func() { signedIn <- res.SignIn(context.Background(), "user@academia.test", "wrong") }()
	<-idp.entered
	close(idp.release)
	assert.True(t, IsKind(<-signedIn, KindCredential))

	// still resolving: the loading screen stays up
	st := res.State()
	assert.Equal(t, RoleResolving, st.Phase)
	assert.True(t, st.Loading)
	assert.Equal(t, ViewLoading, st.View())

	close(rolesGate)
	if err := <-started; err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	st = res.State()
	assert.Equal(t, role.Company, st.ActiveRole)
	assert.False(t, st.Loading)
}

func TestResolver_SelectRole(t *testing.T) {
	f := setup(t)
	f.signIn(t, "multi@academia.test", "pwd", "id-multi", role.Student, role.Instructor)

	tests := []struct {
		name       string
		role       role.Role
		wantErr    bool
		wantActive role.Role
		wantPhase  Phase
	}{
		{name: "not available", role: role.Admin, wantErr: true, wantPhase: RoleSelectionPending},
		{name: "invalid", role: role.Role("teacher"), wantErr: true, wantPhase: RoleSelectionPending},
		{name: "available", role: role.Instructor, wantActive: role.Instructor, wantPhase: RoleResolved},
		{name: "switch", role: role.Student, wantActive: role.Student, wantPhase: RoleResolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.res.SelectRole(tt.role)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SelectRole() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				assert.True(t, IsKind(err, KindInvalidRoleSelection))
			}
			st := f.res.State()
			assert.Equal(t, tt.wantActive, st.ActiveRole)
			assert.Equal(t, tt.wantPhase, st.Phase)
		})
	}

	st := f.res.State()
	assert.True(t, st.CanAccess(role.Student))
	assert.False(t, st.CanAccess(role.Instructor))
	assert.Equal(t, ViewDashboard, st.View())
}

func TestResolver_SelectRole_SignedOut(t *testing.T) {
	f := setup(t)
	err := f.res.SelectRole(role.Student)
	assert.True(t, IsKind(err, KindInvalidRoleSelection), "error = %v", err)
}

func TestResolver_FetchRetry(t *testing.T) {
	tests := []struct {
		name       string
		listErrs   []error
		lag        int
		roles      []role.Role
		wantCalls  int
		wantActive role.Role
		wantWarns  int
	}{
		{name: "first attempt", roles: []role.Role{role.Student}, wantCalls: 1, wantActive: role.Student},
		{name: "replication lag", lag: 2, roles: []role.Role{role.Company}, wantCalls: 3, wantActive: role.Company},
		{
			name:       "transient errors",
			listErrs:   []error{errors.New("timeout"), errors.New("timeout")},
			roles:      []role.Role{role.Instructor},
			wantCalls:  3,
			wantActive: role.Instructor,
			wantWarns:  2,
		},
		{name: "exhausted", lag: 10, roles: []role.Role{role.Student}, wantCalls: 3, wantWarns: 1},
		{
			name:      "exhausted with errors",
			listErrs:  []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")},
			roles:     []role.Role{role.Student},
			wantCalls: 3,
			wantWarns: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.store.listErrs = tt.listErrs
			f.store.lag = tt.lag
			st := f.signIn(t, "user@academia.test", "pwd", "id-user", tt.roles...)

			assert.Equal(t, tt.wantCalls, f.store.listCalls())
			assert.Len(t, f.sleeper.waits, tt.wantCalls-1)
			for _, d := range f.sleeper.waits {
				assert.Equal(t, DefaultFetchDelay, d)
			}
			assert.Equal(t, tt.wantActive, st.ActiveRole)
			assert.Equal(t, RoleResolved, st.Phase)
			assert.False(t, st.Loading)
			assert.Len(t, f.logger.warns, tt.wantWarns)
		})
	}
}

func TestResolver_ResolveIsIdempotent(t *testing.T) {
	f := setup(t)
	first := f.signIn(t, "multi@academia.test", "pwd", "id-multi", role.Instructor, role.Student)

	f.res.resolveRoles(context.Background(), "id-multi")
	second := f.res.State()

	assert.Equal(t, first.AvailableRoles, second.AvailableRoles)
	assert.Equal(t, first.ActiveRole, second.ActiveRole)
	assert.Equal(t, first.Phase, second.Phase)
	assert.Equal(t, []role.Role{role.Student, role.Instructor}, second.AvailableRoles)
}

func TestResolver_StaleResolutionDiscarded(t *testing.T) {
	f := setup(t)
	f.idp.register("a@academia.test", "pwd", "id-a")
	f.store.set("id-a", role.Student)
	f.store.set("id-b", role.Company)

	sessB := f.idp.newSession("id-b", "b@academia.test")
	var once sync.Once
	f.store.onList = func(_ int, identityID string) {
		if identityID == "id-a" {
			// the identity changes while A's roles are being fetched
			once.Do(func() { f.idp.emit(sessB) })
		}
	}

	if err := f.res.SignIn(context.Background(), "a@academia.test", "pwd"); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}
	f.res.Wait()

	st := f.res.State()
	assert.Equal(t, "id-b", st.Identity.ID)
	assert.Equal(t, []role.Role{role.Company}, st.AvailableRoles)
	assert.Equal(t, role.Company, st.ActiveRole)
	assert.Equal(t, RoleResolved, st.Phase)
}

func TestResolver_SignOut(t *testing.T) {
	tests := []struct {
		name     string
		idpErr   error
		wantKind Kind
	}{
		{name: "ok"},
		{name: "provider unreachable", idpErr: errUnreachable, wantKind: KindProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.signIn(t, "user@academia.test", "pwd", "id-user", role.Student)
			f.idp.invalidateErr = tt.idpErr

			err := f.res.SignOut(context.Background())
			if KindOf(err) != tt.wantKind {
				t.Errorf("SignOut() error = %v, wantKind %v", err, tt.wantKind)
			}

			st := f.res.State()
			assert.Equal(t, Unauthenticated, st.Phase)
			assert.Nil(t, st.Identity)
			assert.Nil(t, st.Session)
			assert.Empty(t, st.AvailableRoles)
			assert.Equal(t, role.Role(""), st.ActiveRole)
			assert.Equal(t, ViewSignIn, st.View())
		})
	}
}

func TestResolver_Start(t *testing.T) {
	t.Run("persisted session", func(t *testing.T) {
		idp, store := newFakeIdP(), newFakeRoleStore()
		idp.current = idp.newSession("id-user", "user@academia.test")
		store.set("id-user", role.Instructor)

		res := NewResolver(idp, store, WithSleeper(new(recSleeper).sleep))
		defer res.Close()
		if err := res.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		st := res.State()
		assert.Equal(t, "id-user", st.Identity.ID)
		assert.Equal(t, role.Instructor, st.ActiveRole)
		assert.Equal(t, ViewDashboard, st.View())
	})

	t.Run("no session", func(t *testing.T) {
		f := setup(t)
		assert.Equal(t, ViewSignIn, f.res.State().View())
		assert.Equal(t, 0, f.store.listCalls())
	})

	t.Run("provider error", func(t *testing.T) {
		idp := newFakeIdP()
		idp.currentErr = errUnreachable
		res := NewResolver(idp, newFakeRoleStore())
		defer res.Close()

		err := res.Start(context.Background())
		assert.True(t, IsKind(err, KindProvider), "error = %v", err)
		assert.Equal(t, Unauthenticated, res.State().Phase)
	})
}

func TestResolver_SessionChanged(t *testing.T) {
	t.Run("session ended", func(t *testing.T) {
		f := setup(t)
		f.signIn(t, "user@academia.test", "pwd", "id-user", role.Student)

		f.idp.emit(nil)
		st := f.res.State()
		assert.Equal(t, Unauthenticated, st.Phase)
		assert.Nil(t, st.Identity)
	})

	t.Run("token refreshed keeps the selected role", func(t *testing.T) {
		f := setup(t)
		st := f.signIn(t, "multi@academia.test", "pwd", "id-multi", role.Student, role.Company)
		if err := f.res.SelectRole(role.Company); err != nil {
			t.Fatalf("SelectRole() failed: %v", err)
		}

		refreshed := *st.Session
		refreshed.Token = "refreshed"
		f.idp.emit(&refreshed)
		f.res.Wait()

		st = f.res.State()
		assert.Equal(t, "refreshed", st.Session.Token)
		assert.Equal(t, role.Company, st.ActiveRole)
		assert.Equal(t, RoleResolved, st.Phase)
	})

	t.Run("signed in elsewhere", func(t *testing.T) {
		f := setup(t)
		f.store.set("id-other", role.Instructor)

		f.idp.emit(f.idp.newSession("id-other", "other@academia.test"))
		f.res.Wait()

		st := f.res.State()
		assert.Equal(t, "id-other", st.Identity.ID)
		assert.Equal(t, role.Instructor, st.ActiveRole)
	})

	t.Run("unsubscribed on close", func(t *testing.T) {
		idp := newFakeIdP()
		res := NewResolver(idp, newFakeRoleStore())
		if err := res.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}
		res.Close()
		assert.Empty(t, idp.listeners)
	})
}

func TestResolver_Watch(t *testing.T) {
	f := setup(t)
	f.idp.register("user@academia.test", "pwd", "id-user")
	f.store.set("id-user", role.Student)

	var views []View
	cancel := f.res.Watch(func(st State) { views = append(views, st.View()) })

	if err := f.res.SignIn(context.Background(), "user@academia.test", "pwd"); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}
	cancel()
	_ = f.res.SignOut(context.Background())

	if assert.NotEmpty(t, views) {
		assert.Equal(t, ViewLoading, views[0])
		assert.Equal(t, ViewDashboard, views[len(views)-1])
	}
	for _, v := range views[:len(views)-1] {
		assert.NotEqual(t, ViewDashboard, v, "no protected view before the role is resolved")
	}
}

func TestState_View(t *testing.T) {
	id := &Identity{ID: "id", Email: "e@academia.test"}
	tests := []struct {
		name  string
		state State
		want  View
	}{
		{name: "signed out", state: State{}, want: ViewSignIn},
		{name: "authenticating", state: State{Phase: Authenticating}, want: ViewLoading},
		{name: "failed", state: State{Phase: AuthFailed}, want: ViewSignIn},
		{name: "resolving", state: State{Phase: RoleResolving, Identity: id}, want: ViewLoading},
		{name: "resolving with active role", state: State{Phase: RoleResolving, Identity: id, ActiveRole: role.Student}, want: ViewLoading},
		{
			name:  "pending",
			state: State{Phase: RoleSelectionPending, Identity: id, AvailableRoles: []role.Role{role.Student, role.Admin}},
			want:  ViewRoleSelection,
		},
		{name: "no role", state: State{Phase: RoleResolved, Identity: id}, want: ViewNoRole},
		{name: "resolved", state: State{Phase: RoleResolved, Identity: id, ActiveRole: role.Admin}, want: ViewDashboard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.View(); got != tt.want {
				t.Errorf("View() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState_CanAccess(t *testing.T) {
	id := &Identity{ID: "id"}
	tests := []struct {
		name    string
		state   State
		allowed []role.Role
		want    bool
	}{
		{name: "signed out", state: State{ActiveRole: role.Admin}, want: false},
		{name: "no active role", state: State{Identity: id}, want: false},
		{name: "any role", state: State{Identity: id, ActiveRole: role.Student}, want: true},
		{name: "allowed", state: State{Identity: id, ActiveRole: role.Company}, allowed: []role.Role{role.Company, role.Admin}, want: true},
		{name: "not allowed", state: State{Identity: id, ActiveRole: role.Student}, allowed: []role.Role{role.Instructor}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.CanAccess(tt.allowed...); got != tt.want {
				t.Errorf("CanAccess() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewError(t *testing.T) {
	wrapped := errors.Wrap(&Error{Kind: KindProvider, Err: errUnreachable}, "calling api")
	tests := []struct {
		name     string
		err      error
		wantKind Kind
	}{
		{name: "plain error", err: errBadCredentials, wantKind: KindCredential},
		{name: "kind kept", err: &Error{Kind: KindProvider, Err: errUnreachable}, wantKind: KindProvider},
		{name: "wrapped kind kept", err: wrapped, wantKind: KindProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewError("signin", KindCredential, tt.err)
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, "signin", err.Op)
		})
	}
	assert.Equal(t, Kind(0), KindOf(errBadCredentials))
	assert.False(t, IsKind(nil, KindCredential))
}
