package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 64

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

// UserID identifies a call participant across the whole system: portal
// accounts, browser client tokens and headless agents all map onto it.
type UserID string

// User is the call-directory entry for a participant.
type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"display_name"`
}

func NewUser(displayName string) (*User, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &User{ID: UserID(uuid.NewString()), DisplayName: displayName}, nil
}

func (u *User) Rename(displayName string) error {
	if len(displayName) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	u.DisplayName = displayName
	return nil
}
