package role

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/academia/core"
)

var (
	// errors
	ErrNotFound          = errors.New("role assignment not found")
	ErrForbidden         = errors.New("not enough rights to manage these roles")
	ErrAlreadyAssigned   = errors.New("a role has already been assigned to this user")
	ErrNotSelfAssignable = errors.New("this role cannot be self-assigned")
	ErrRevokeOwnAdmin    = errors.New("admins cannot revoke their own admin role")

	nowFunc = time.Now // mockable
)

type (
	Repository interface {
		// ListRoles returns the roles granted to the user, in no particular order.
		ListRoles(ctx context.Context, userID string) ([]Role, error)
		// AddRole is idempotent: re-adding an existing assignment is not an error.
		AddRole(ctx context.Context, a Assignment) error
		// RemoveRole returns ErrNotFound if the assignment does not exist.
		RemoveRole(ctx context.Context, userID string, r Role) error
		ListAssignments(ctx context.Context, userID string) ([]Assignment, error)
	}

	// Granter is the user granting or revoking a role.
	Granter struct {
		UserID string
		Roles  []Role
	}

	Service struct {
		repo   Repository
		logger core.Logger
	}
)

func NewService(repo Repository, logger core.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// List returns the user's roles, normalized.
func (svc *Service) List(ctx context.Context, userID string) ([]Role, error) {
	roles, err := svc.repo.ListRoles(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "listing roles")
	}
	return Normalize(roles), nil
}

func (svc *Service) ListAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	return svc.repo.ListAssignments(ctx, userID)
}

// GrantInitial assigns the role a user picked at sign-up.
// Only allowed while the user holds no role, and never for Admin.
func (svc *Service) GrantInitial(ctx context.Context, userID string, r Role) error {
	if !r.Valid() {
		return core.NewFieldValidationError("role", ErrInvalid)
	}
	if r == Admin {
		return core.NewFieldValidationError("role", ErrNotSelfAssignable)
	}

	roles, err := svc.repo.ListRoles(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "listing roles")
	}
	if len(roles) > 0 {
		if len(roles) == 1 && roles[0] == r { // retried sign-up
			return nil
		}
		return core.NewFieldValidationError("role", ErrAlreadyAssigned)
	}

	if err = svc.repo.AddRole(ctx, Assignment{UserID: userID, Role: r, CreatedAt: nowFunc().UTC()}); err != nil {
		return errors.Wrap(err, "adding role")
	}
	svc.logger.Info("initial role granted", map[string]interface{}{"user_id": userID, "role": r})
	return nil
}

// Grant assigns a role to a user on behalf of an admin.
// The granter cannot grant a role above their own max role.
func (svc *Service) Grant(ctx context.Context, granter Granter, userID string, r Role) error {
	if !r.Valid() {
		return core.NewFieldValidationError("role", ErrInvalid)
	}
	if !Contains(granter.Roles, Admin) || r.Priority() > MaxPriority(granter.Roles) {
		return ErrForbidden
	}

	if err := svc.repo.AddRole(ctx, Assignment{UserID: userID, Role: r, CreatedAt: nowFunc().UTC()}); err != nil {
		return errors.Wrap(err, "adding role")
	}
	svc.logger.Info("role granted", map[string]interface{}{"user_id": userID, "role": r, "granted_by": granter.UserID})
	return nil
}

// Revoke removes a role from a user on behalf of an admin.
func (svc *Service) Revoke(ctx context.Context, granter Granter, userID string, r Role) error {
	if !r.Valid() {
		return core.NewFieldValidationError("role", ErrInvalid)
	}
	if !Contains(granter.Roles, Admin) || r.Priority() > MaxPriority(granter.Roles) {
		return ErrForbidden
	}
	if r == Admin && granter.UserID == userID {
		return ErrRevokeOwnAdmin
	}

	if err := svc.repo.RemoveRole(ctx, userID, r); err != nil {
		if errors.Cause(err) == ErrNotFound {
			return err
		}
		return errors.Wrap(err, "removing role")
	}
	svc.logger.Info("role revoked", map[string]interface{}{"user_id": userID, "role": r, "revoked_by": granter.UserID})
	return nil
}
