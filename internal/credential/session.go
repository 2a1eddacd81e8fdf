package credential

import (
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"

	"github.com/nhle/mailterm/internal/model"
)

// AuthFailure indicates no usable credentials exist for an account.
// The caller surfaces it and prompts for re-authentication; it is
// never retried automatically.
type AuthFailure struct {
	Account string
	Err     error
}

func (e *AuthFailure) Error() string {
	return fmt.Sprintf("no usable credentials for %s: %v", e.Account, e.Err)
}

func (e *AuthFailure) Unwrap() error { return e.Err }

// IsAuthFailure reports whether err (or any error in its chain) is an
// AuthFailure.
func IsAuthFailure(err error) bool {
	var af *AuthFailure
	return errors.As(err, &af)
}

// AuthHandle is an opaque authenticated session handle. Consumers pass
// it to the protocol client without inspecting or persisting the
// secret.
type AuthHandle struct {
	username string
	secret   string
	oauth    bool
}

// Username returns the login identity.
func (h AuthHandle) Username() string { return h.username }

// Password returns the plain secret for LOGIN-style authentication.
// Only meaningful when SASL returns nil.
func (h AuthHandle) Password() string { return h.secret }

// SASL returns a SASL client for mechanisms that require one (OAuth2
// bearer tokens), or nil for plain password login.
func (h AuthHandle) SASL() sasl.Client {
	if !h.oauth {
		return nil
	}
	return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: h.username,
		Token:    h.secret,
	})
}

// SessionFor acquires an authenticated handle for the account from the
// system keyring. Raw credentials never leave this package except
// inside the opaque handle.
func SessionFor(account model.Account) (AuthHandle, error) {
	switch account.Auth {
	case model.AuthOAuth2:
		token, err := Get(account.Email + "/oauth2-token")
		if err != nil {
			return AuthHandle{}, &AuthFailure{Account: account.Email, Err: err}
		}
		return AuthHandle{username: account.Email, secret: token, oauth: true}, nil
	default:
		password, err := Get(account.Email + "/imap-password")
		if err != nil {
			return AuthHandle{}, &AuthFailure{Account: account.Email, Err: err}
		}
		return AuthHandle{username: account.Email, secret: password}, nil
	}
}

// StorePassword saves an account's IMAP password in the keyring.
func StorePassword(account model.Account, password string) error {
	return Set(account.Email+"/imap-password", password)
}

// StoreOAuthToken saves an account's OAuth2 token in the keyring.
func StoreOAuthToken(account model.Account, token string) error {
	return Set(account.Email+"/oauth2-token", token)
}
