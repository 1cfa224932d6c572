package session

import (
	"context"
	"time"

	"github.com/trezcool/academia/core/role"
)

// Phase is where the resolver stands in the sign-in / role resolution lifecycle.
type Phase int

const (
	Unauthenticated Phase = iota
	Authenticating
	RoleResolving
	RoleSelectionPending
	RoleResolved
	AuthFailed // per attempt; the resolver goes back to its previous phase right after
)

func (p Phase) String() string {
	switch p {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case RoleResolving:
		return "role_resolving"
	case RoleSelectionPending:
		return "role_selection_pending"
	case RoleResolved:
		return "role_resolved"
	case AuthFailed:
		return "auth_failed"
	}
	return "unknown"
}

// Identity is the principal issued by the identity provider.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session binds an Identity to this client until it expires or is signed out.
type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Identity  Identity  `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Profile holds the sign-up fields besides the credentials.
type Profile struct {
	Name         string `json:"name"`
	Phone        string `json:"phone,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// Metadata is sent to the identity provider along with the credentials on sign-up.
type Metadata struct {
	Profile
	Role role.Role `json:"role"`
}

type (
	// IdentityProvider creates accounts and owns the session lifecycle.
	IdentityProvider interface {
		CreateAccount(ctx context.Context, email, password string, meta Metadata) (*Session, error)
		Authenticate(ctx context.Context, email, password string) (*Session, error)
		InvalidateSession(ctx context.Context) error
		// CurrentSession returns the persisted session if any, nil otherwise.
		CurrentSession(ctx context.Context) (*Session, error)
		// OnSessionChanged registers fn to be called whenever the session changes outside
		// of the resolver's own calls (ex: a failed token refresh calls fn(nil)).
		OnSessionChanged(fn func(*Session)) (unsubscribe func())
	}

	// RoleStore is the durable mapping of identities to roles.
	RoleStore interface {
		ListRoles(ctx context.Context, identityID string) ([]role.Role, error)
		AddRole(ctx context.Context, identityID string, r role.Role) error
	}
)

// State is a snapshot of the resolver.
type State struct {
	Phase          Phase
	Identity       *Identity
	Session        *Session
	AvailableRoles []role.Role
	ActiveRole     role.Role // empty when unset
	Loading        bool
}

func (s State) clone() State {
	c := s
	if s.Identity != nil {
		id := *s.Identity
		c.Identity = &id
	}
	if s.Session != nil {
		sess := *s.Session
		c.Session = &sess
	}
	c.AvailableRoles = append([]role.Role{}, s.AvailableRoles...)
	return c
}

func (s State) Authenticated() bool { return s.Identity != nil }

// View is the screen the application must route to.
type View int

const (
	ViewSignIn View = iota
	ViewLoading
	ViewRoleSelection
	ViewNoRole
	ViewDashboard
)

func (v View) String() string {
	switch v {
	case ViewSignIn:
		return "sign_in"
	case ViewLoading:
		return "loading"
	case ViewRoleSelection:
		return "role_selection"
	case ViewNoRole:
		return "no_role"
	case ViewDashboard:
		return "dashboard"
	}
	return "unknown"
}

// View routes the state: protected content is only reachable with an active role.
func (s State) View() View {
	switch {
	case s.Identity == nil && s.Phase == Authenticating:
		return ViewLoading
	case s.Identity == nil:
		return ViewSignIn
	case s.Phase == RoleResolving:
		return ViewLoading
	case s.ActiveRole != "":
		return ViewDashboard
	case len(s.AvailableRoles) > 1:
		return ViewRoleSelection
	default:
		return ViewNoRole
	}
}

// CanAccess reports whether a page restricted to `allowed` roles may be rendered.
// No `allowed` roles means any active role.
func (s State) CanAccess(allowed ...role.Role) bool {
	if s.Identity == nil || s.ActiveRole == "" {
		return false
	}
	return len(allowed) == 0 || role.Contains(allowed, s.ActiveRole)
}
