package rbac

import "time"

// User is a directory account. Roles is populated by the store on every read.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name,omitempty"`
	IsActive     bool      `json:"is_active"`
	IsSuperuser  bool      `json:"is_superuser"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Roles        []Role    `json:"roles"`
}

// RoleNames returns the names of the user's roles in assignment order.
func (u User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}

type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Permissions []Permission `json:"permissions"`
}

type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewUser is the input of CreateUser and Register.
type NewUser struct {
	Username    string
	Email       string
	Password    string
	FullName    string
	IsSuperuser bool
	Roles       []string
}

// UserUpdate carries optional changes; nil fields are left untouched.
type UserUpdate struct {
	Username    *string
	Email       *string
	FullName    *string
	Password    *string
	IsActive    *bool
	IsSuperuser *bool
}

type NewRole struct {
	Name        string
	Description string
	Permissions []string
}

type RoleUpdate struct {
	Name        *string
	Description *string
}

// UserFilter pages through the directory. Active nil means any state.
type UserFilter struct {
	Offset int
	Limit  int
	Active *bool
}
