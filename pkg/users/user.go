// Package users stores gatekeep accounts in a single msgpack file that is
// rewritten atomically on every change.
package users

import "time"

// User is a stored account.
type User struct {
	ID           string    `msgpack:"id"`
	Email        string    `msgpack:"email"`
	Username     string    `msgpack:"username"`
	DisplayName  string    `msgpack:"displayName"`
	Bio          string    `msgpack:"bio"`
	PasswordHash []byte    `msgpack:"passwordHash"`
	Verified     bool      `msgpack:"verified"`
	VerifyToken  string    `msgpack:"verifyToken,omitempty"`
	ResetDigest  string    `msgpack:"resetDigest,omitempty"`
	ResetExpires time.Time `msgpack:"resetExpires,omitempty"`
	CreatedAt    time.Time `msgpack:"createdAt"`
	UpdatedAt    time.Time `msgpack:"updatedAt"`
}

// PublicUser is the view of a User that leaves the server.
type PublicUser struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Bio         string    `json:"bio"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Public strips credentials and tokens.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Email:       u.Email,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Bio:         u.Bio,
		Verified:    u.Verified,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

func (u *User) clone() *User {
	c := *u
	c.PasswordHash = append([]byte(nil), u.PasswordHash...)
	return &c
}
