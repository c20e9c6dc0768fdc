package models

import (
	"github.com/google/uuid"
)

// User represents an API user
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
}

// UserID derives a stable id from the username
func UserID(username string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("mihome-bridge/user/"+username))
}
