package user

import (
	"net/mail"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/identity"
)

type User struct {
	ID           string        `json:"id" db:"id"`
	Name         string        `json:"name" db:"name"`
	Email        string        `json:"email" db:"email"`
	Role         identity.Role `json:"role" db:"role"`
	IsActive     bool          `json:"is_active" db:"is_active"`
	PasswordHash []byte        `json:"-" db:"password_hash"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"` // UTC
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"` // UTC
	LastLogin    *time.Time    `json:"last_login" db:"last_login"` // UTC
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func (u User) Principal() identity.Principal {
	return identity.Principal{ID: u.ID, Role: u.Role, Email: u.Email, Name: u.Name}
}

func (u User) Address() mail.Address {
	return mail.Address{Name: u.Name, Address: u.Email}
}

// NewUser contains information needed to sign a new User up.
type NewUser struct {
	Name            string `json:"full_name" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"omitempty,eqfield=Password"`
	Role            string `json:"role" validate:"omitempty,role"`
}

func (nu *NewUser) Clean() {
	nu.Name = core.CleanString(nu.Name)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	nu.Role = core.CleanString(nu.Role, true /* lower */)
}

// Validate cleans and validates nu. The role defaults to student.
func (nu *NewUser) Validate(validate *validator.Validate) error {
	nu.Clean()
	if nu.Role == "" {
		nu.Role = identity.RoleStudent.String()
	}
	return validate.Struct(nu)
}

// ParsedRole returns the role of a validated NewUser.
func (nu NewUser) ParsedRole() identity.Role {
	role, err := identity.ParseRole(nu.Role)
	if err != nil {
		return identity.RoleStudent
	}
	return role
}
