package user

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/identity"
	"github.com/trezcool/campus/core/tablesync"
)

// ProfilesTable holds the public part of the users, synchronized to the clients.
const ProfilesTable = "profiles"

var (
	// errors
	ErrNotFound           = errors.New("user not found")
	ErrEmailExists        = errors.New("a user with this email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDeactivated = errors.New("account deactivated")
)

type (
	Repository interface {
		CreateUser(ctx context.Context, usr User) (User, error)
		GetUserByID(ctx context.Context, id string) (User, error)
		GetUserByEmail(ctx context.Context, email string) (User, error)
		QueryAllUsers(ctx context.Context) ([]User, error)
		// UpdateUser saves every field but ID and CreatedAt.
		UpdateUser(ctx context.Context, usr User) (User, error)
	}

	Service struct {
		repo   Repository
		tables tablesync.Client
		log    core.Logger
	}
)

// NewService returns the user service. tables receives the profile row of new users.
func NewService(repo Repository, tables tablesync.Client, logger core.Logger) *Service {
	return &Service{repo: repo, tables: tables, log: logger}
}

func (svc *Service) checkUniqueness(ctx context.Context, email string) error {
	_, err := svc.repo.GetUserByEmail(ctx, email)
	switch errors.Cause(err) {
	case nil:
		return core.NewValidationError(ErrEmailExists, core.FieldError{Field: "email", Error: ErrEmailExists.Error()})
	case ErrNotFound:
		return nil
	}
	return errors.Wrap(err, "checking email uniqueness")
}

// Signup creates the user of a validated NewUser and its profile.
func (svc *Service) Signup(ctx context.Context, nu NewUser) (User, error) {
	if err := svc.checkUniqueness(ctx, nu.Email); err != nil {
		return User{}, err
	}

	now := time.Now().UTC()
	usr := User{
		ID:        uuid.NewString(),
		Name:      nu.Name,
		Email:     nu.Email,
		Role:      nu.ParsedRole(),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, errors.Wrap(err, "hashing password")
	}
	usr, err := svc.repo.CreateUser(ctx, usr)
	if err != nil {
		return User{}, errors.Wrap(err, "creating user")
	}

	// the account exists even if its profile could not be written
	if err = svc.writeProfile(ctx, usr); err != nil {
		svc.log.Error(fmt.Sprintf("writing profile of %s", usr.ID), err, usr)
	}
	return usr, nil
}

func (svc *Service) writeProfile(ctx context.Context, usr User) error {
	if svc.tables == nil {
		return nil
	}
	_, err := svc.tables.Write(ctx, ProfilesTable, tablesync.OpInsert, tablesync.Row{
		"id":        usr.ID,
		"full_name": usr.Name,
		"email":     usr.Email,
		"role":      usr.Role.String(),
	})
	return err
}

// Authenticate checks the credentials of an active user and records the login.
func (svc *Service) Authenticate(ctx context.Context, email, pwd string) (User, error) {
	usr, err := svc.GetByEmail(ctx, email)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return User{}, ErrInvalidCredentials
		}
		return User{}, errors.Wrap(err, "finding user by email")
	}
	if err = usr.CheckPassword(pwd); err != nil {
		return User{}, ErrInvalidCredentials
	}
	if !usr.IsActive {
		return User{}, ErrAccountDeactivated
	}
	usr, err = svc.SetLastLogin(ctx, usr)
	return usr, errors.Wrap(err, "setting lastLogin")
}

func (svc *Service) SetLastLogin(ctx context.Context, usr User) (User, error) {
	now := time.Now().UTC()
	usr.LastLogin = &now
	return svc.repo.UpdateUser(ctx, usr)
}

func (svc *Service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUserByID(ctx, id)
}

func (svc *Service) GetByEmail(ctx context.Context, email string) (User, error) {
	return svc.repo.GetUserByEmail(ctx, core.CleanString(email, true /* lower */))
}

// Address returns the email address of the user with the given id.
func (svc *Service) Address(ctx context.Context, id string) (mail.Address, error) {
	usr, err := svc.repo.GetUserByID(ctx, id)
	if err != nil {
		return mail.Address{}, err
	}
	return usr.Address(), nil
}

func (svc *Service) QueryAll(ctx context.Context) ([]User, error) {
	return svc.repo.QueryAllUsers(ctx)
}

// AddOrUpdate creates the user of email, or resets its name, role and password. The user is activated.
func (svc *Service) AddOrUpdate(ctx context.Context, email, name string, role identity.Role, pwd string) (usr User, created bool, err error) {
	email = core.CleanString(email, true /* lower */)
	usr, err = svc.repo.GetUserByEmail(ctx, email)
	switch errors.Cause(err) {
	case nil:
	case ErrNotFound:
		created = true
		now := time.Now().UTC()
		usr = User{ID: uuid.NewString(), Email: email, CreatedAt: now}
	default:
		return User{}, false, errors.Wrap(err, "finding user by email")
	}

	if name = core.CleanString(name); name != "" {
		usr.Name = name
	}
	usr.Role = role
	usr.IsActive = true
	usr.UpdatedAt = time.Now().UTC()
	if err = usr.SetPassword(pwd); err != nil {
		return User{}, false, errors.Wrap(err, "hashing password")
	}

	if created {
		if usr, err = svc.repo.CreateUser(ctx, usr); err != nil {
			return User{}, false, errors.Wrap(err, "creating user")
		}
		if err = svc.writeProfile(ctx, usr); err != nil {
			svc.log.Error(fmt.Sprintf("writing profile of %s", usr.ID), err, usr)
		}
		return usr, true, nil
	}
	usr, err = svc.repo.UpdateUser(ctx, usr)
	return usr, false, errors.Wrap(err, "updating user")
}
