package app

import (
	"strings"

	"github.com/charlesng35/homesync/internal/credentials"
)

// Credentials converts AuthConfig into the token store used by the interceptor.
// An inline token wins over a token file.
func (c AuthConfig) Credentials() (*credentials.Store, error) {
	if token := strings.TrimSpace(c.Token); token != "" {
		return credentials.NewStatic(token), nil
	}
	if path := strings.TrimSpace(c.TokenFile); path != "" {
		return credentials.LoadFile(path)
	}
	return credentials.NewStatic(""), nil
}
