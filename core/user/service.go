package user

import (
	"context"
	"net/mail"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core"
)

var (
	// errors
	ErrNotFound      = errors.New("user not found")
	ErrEmailExists   = errors.New("a user with this email already exists")
	ErrInvalidReset  = errors.New("the reset link is invalid or has expired")
	errResetInactive = errors.New("password reset requested for an inactive user")

	nowFunc = time.Now // mockable
)

type (
	Repository interface {
		CheckEmailUniqueness(ctx context.Context, email string, excludedIDs ...string) error
		CreateUser(ctx context.Context, usr User) (User, error)
		GetUserByID(ctx context.Context, id string) (User, error)
		GetUserByEmail(ctx context.Context, email string) (User, error)
		// QueryUsers applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of User.Name, User.Email or User.Organization.
		// QueryFilter.Roles matches users holding any of the roles.
		QueryUsers(ctx context.Context, filter QueryFilter, orderings ...core.DBOrdering) ([]User, error)
		UpdateUser(ctx context.Context, usr User) (User, error)
		DeleteUsersByID(ctx context.Context, ids ...string) error
	}

	Service struct {
		repo     Repository
		mailSvc  core.EmailService
		validate *validator.Validate
		tokens   tokenGenerator
		logger   core.Logger
	}
)

func NewService(repo Repository, mailSvc core.EmailService, validate *validator.Validate, conf *core.Config, logger core.Logger) *Service {
	return &Service{
		repo:     repo,
		mailSvc:  mailSvc,
		validate: validate,
		tokens:   newTokenGenerator(conf),
		logger:   logger,
	}
}

// CheckUniqueness returns a *core.ValidationError if email is taken by any user other than `exclUsers`.
func (svc *Service) CheckUniqueness(ctx context.Context, email string, exclUsers ...User) error {
	excl := make([]string, 0, len(exclUsers))
	for _, u := range exclUsers {
		excl = append(excl, u.ID)
	}
	if err := svc.repo.CheckEmailUniqueness(ctx, email, excl...); err != nil {
		if errors.Cause(err) == ErrEmailExists {
			return core.NewFieldValidationError("email", ErrEmailExists)
		}
		return err
	}
	return nil
}

// ValidateNew cleans and validates a sign-up payload, including email uniqueness.
func (svc *Service) ValidateNew(ctx context.Context, nu *NewUser) error {
	if err := nu.Validate(svc.validate); err != nil {
		return err
	}
	return svc.CheckUniqueness(ctx, nu.Email)
}

// Create expects a validated NewUser.
func (svc *Service) Create(ctx context.Context, nu NewUser) (User, error) {
	now := nowFunc().UTC()
	usr := User{
		ID:           uuid.New().String(),
		Name:         nu.Name,
		Email:        nu.Email,
		Phone:        nu.Phone,
		Organization: nu.Organization,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, errors.Wrap(err, "setting password")
	}
	return svc.repo.CreateUser(ctx, usr)
}

func (svc *Service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUserByID(ctx, id)
}

func (svc *Service) GetByEmail(ctx context.Context, email string) (User, error) {
	return svc.repo.GetUserByEmail(ctx, core.CleanString(email, true /* lower */))
}

func (svc *Service) Query(ctx context.Context, filter *QueryFilter, orderings []core.DBOrdering) ([]User, error) {
	if filter == nil {
		filter = new(QueryFilter)
	}
	return svc.repo.QueryUsers(ctx, *filter, core.FilterOrderings(orderings, Orderable)...)
}

// Update expects an UpdateUser validated against the original user.
func (svc *Service) Update(ctx context.Context, orig User, uu UpdateUser) (User, error) {
	if uu.Email != orig.Email {
		if err := svc.CheckUniqueness(ctx, uu.Email, orig); err != nil {
			return User{}, err
		}
	}
	usr := orig
	usr.Name = uu.Name
	usr.Email = uu.Email
	usr.Phone = uu.Phone
	usr.Organization = uu.Organization
	usr.UpdatedAt = nowFunc().UTC()
	if uu.IsActive != nil {
		usr.IsActive = *uu.IsActive
	}
	if uu.Password != "" {
		if err := usr.SetPassword(uu.Password); err != nil {
			return User{}, errors.Wrap(err, "setting password")
		}
	}
	return svc.repo.UpdateUser(ctx, usr)
}

func (svc *Service) SetLastLogin(ctx context.Context, usr User) (User, error) {
	usr.LastLogin = nowFunc().UTC()
	return svc.repo.UpdateUser(ctx, usr)
}

func (svc *Service) SetPassword(ctx context.Context, usr User, pwd string) (User, error) {
	if err := usr.SetPassword(pwd); err != nil {
		return User{}, errors.Wrap(err, "setting password")
	}
	usr.UpdatedAt = nowFunc().UTC()
	return svc.repo.UpdateUser(ctx, usr)
}

func (svc *Service) Delete(ctx context.Context, ids ...string) error {
	return svc.repo.DeleteUsersByID(ctx, ids...)
}

// SendWelcomeMail notifies a new user that their account is ready.
func (svc *Service) SendWelcomeMail(usr User, roleName string) {
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:      "Welcome!",
		TemplateName: "welcome",
		TemplateData: map[string]string{"Name": usr.Name, "Role": roleName},
	})
}

// RequestPasswordReset mails a password reset link to the user owning `email`.
// ErrNotFound is returned for unknown and inactive users; callers should not leak it.
func (svc *Service) RequestPasswordReset(ctx context.Context, email string) error {
	usr, err := svc.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if !usr.IsActive {
		svc.logger.Warn(errResetInactive.Error(), usr)
		return ErrNotFound
	}

	token, err := svc.tokens.makeToken(usr)
	if err != nil {
		return errors.Wrap(err, "making token")
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:      "Password Reset",
		TemplateName: "password_reset",
		TemplateData: map[string]string{"Name": usr.Name, "UID": EncodeUID(usr), "Token": token},
	})
	return nil
}

// ResetPassword verifies the reset token and sets the new password.
func (svc *Service) ResetPassword(ctx context.Context, data ResetUserPassword) (User, error) {
	id, err := decodeUID(data.UID)
	if err != nil {
		return User{}, core.NewValidationError(ErrInvalidReset)
	}
	usr, err := svc.GetByID(ctx, id)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return User{}, core.NewValidationError(ErrInvalidReset)
		}
		return User{}, errors.Wrap(err, "finding user by ID")
	}
	if err = svc.tokens.verifyToken(usr, data.Token); err != nil {
		return User{}, core.NewValidationError(ErrInvalidReset)
	}

	// apply the password policy against the user's attributes
	if err = svc.validate.Struct(passwordChange{Name: usr.Name, Email: usr.Email, Password: data.Password}); err != nil {
		return User{}, err
	}
	return svc.SetPassword(ctx, usr, data.Password)
}
