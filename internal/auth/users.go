package auth

import (
	"github.com/mihome-bridge/mihome-bridge/internal/config"
	"github.com/mihome-bridge/mihome-bridge/internal/models"
)

// Directory holds the API users declared in the configuration
type Directory struct {
	users map[string]*models.User
}

// NewDirectory builds the user directory from config
func NewDirectory(users []config.UserConfig) *Directory {
	d := &Directory{users: make(map[string]*models.User, len(users))}
	for _, u := range users {
		d.users[u.Username] = &models.User{
			ID:           models.UserID(u.Username),
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			IsAdmin:      u.Role == "admin",
		}
	}
	return d
}

// Lookup returns the user with username
func (d *Directory) Lookup(username string) (*models.User, bool) {
	u, ok := d.users[username]
	return u, ok
}
