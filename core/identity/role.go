package identity

import (
	"database/sql/driver"
	"strings"

	"github.com/pkg/errors"
)

// Role is the closed set of portal roles. The zero value is not a valid role.
type Role uint8

const (
	RoleStudent Role = iota + 1
	RoleFaculty
	RoleAdmin
)

var (
	ErrInvalidRole = errors.New("invalid role")

	AllRoles = []Role{RoleStudent, RoleFaculty, RoleAdmin}

	roleNames = map[Role]string{
		RoleStudent: "student",
		RoleFaculty: "faculty",
		RoleAdmin:   "admin",
	}
)

// ParseRole parses a role name. "teacher" is accepted as an alias of faculty.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "student":
		return RoleStudent, nil
	case "faculty", "teacher":
		return RoleFaculty, nil
	case "admin":
		return RoleAdmin, nil
	}
	return 0, errors.Wrapf(ErrInvalidRole, "%q", s)
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// Priority orders roles by privilege: a user cannot grant a role with a higher priority than their own.
func (r Role) Priority() int {
	switch r {
	case RoleAdmin:
		return 30
	case RoleFaculty:
		return 20
	case RoleStudent:
		return 10
	}
	return 0
}

func (r Role) IsStaff() bool { return r == RoleFaculty || r == RoleAdmin }

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, ErrInvalidRole
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	role, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// Scan implements sql.Scanner; roles are stored by name.
func (r *Role) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return r.UnmarshalText([]byte(v))
	case []byte:
		return r.UnmarshalText(v)
	case nil:
		*r = 0
		return nil
	}
	return errors.Errorf("identity.Role: cannot scan %T", src)
}

func (r Role) Value() (driver.Value, error) {
	if !r.Valid() {
		return nil, ErrInvalidRole
	}
	return r.String(), nil
}

// RoleIn reports whether role is one of roles.
func RoleIn(role Role, roles []Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
