package model

import (
	"strings"
	"time"
)

// User is an authenticated principal. Account records are owned by the
// account system; this service only reads them.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	IsActive  bool      `json:"is_active"`
	IsStaff   bool      `json:"is_staff"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName returns "First Last", falling back to the email local part.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	if idx := strings.Index(u.Email, "@"); idx > 0 {
		return u.Email[:idx]
	}
	return u.Email
}

type UserPublic struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:       u.ID,
		Email:    u.Email,
		FullName: u.DisplayName(),
	}
}

// snapshotVersion guards cached identity snapshots: a shape change bumps the
// version and older cache entries are treated as misses.
const snapshotVersion = 1

// UserSnapshot is the typed, versioned identity-cache value for a User.
type UserSnapshot struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsActive  bool   `json:"is_active"`
	IsStaff   bool   `json:"is_staff"`
}

// SnapshotOf builds a cacheable snapshot from a full user record.
func SnapshotOf(u *User) *UserSnapshot {
	return &UserSnapshot{
		Version:   snapshotVersion,
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		IsActive:  u.IsActive,
		IsStaff:   u.IsStaff,
	}
}

// Valid reports whether the snapshot can be trusted for reconstruction.
func (s *UserSnapshot) Valid() bool {
	return s != nil && s.Version == snapshotVersion && s.ID != ""
}

// ToUser reconstructs a principal from the cached snapshot.
func (s *UserSnapshot) ToUser() *User {
	return &User{
		ID:        s.ID,
		Email:     s.Email,
		FirstName: s.FirstName,
		LastName:  s.LastName,
		IsActive:  s.IsActive,
		IsStaff:   s.IsStaff,
	}
}
