// Package smtp implements the inbound SMTP listener that hands every
// accepted message to the intake pipeline.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// errAuthFailed is returned for any credential mismatch.
var errAuthFailed = errors.New("authentication failed")

// Authenticator handles SMTP AUTH verification against configured credentials.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either is empty, authentication is disabled and every session is
// anonymous.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain decodes and verifies an AUTH PLAIN response of the form
// base64(authzid \0 authcid \0 password) and returns the authenticated
// username.
func (a *Authenticator) VerifyPlain(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid AUTH PLAIN format")
	}

	// parts[0] is the authorization identity and is ignored.
	if err := a.check(parts[1], parts[2]); err != nil {
		return "", err
	}
	return parts[1], nil
}

// VerifyLogin verifies base64-encoded AUTH LOGIN credentials and returns
// the authenticated username.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) (string, error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", fmt.Errorf("invalid base64 password")
	}

	if err := a.check(string(user), string(pass)); err != nil {
		return "", err
	}
	return string(user), nil
}

func (a *Authenticator) check(user, pass string) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	if !userOK || !passOK {
		return errAuthFailed
	}
	return nil
}
