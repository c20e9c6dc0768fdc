package miio

import (
	"github.com/mihome-bridge/mihome-bridge/pkg/crypto"
)

// DeriveKeys derives the packet key and IV from the device token:
// key = md5(token), iv = md5(key | token)
func DeriveKeys(token Token) (key, iv AES128Key) {
	key = crypto.MD5(token[:])
	iv = crypto.MD5(key[:], token[:])
	return key, iv
}

// NewCredentials builds credentials with derived key material
func NewCredentials(id DeviceID, token Token) Credentials {
	c := Credentials{DeviceID: id, Token: token}
	if !token.IsZero() {
		c.Key, c.IV = DeriveKeys(token)
	}
	return c
}
