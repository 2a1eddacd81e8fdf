package credential

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHandlePassword(t *testing.T) {
	h := AuthHandle{username: "alice@example.com", secret: "hunter2"}

	assert.Equal(t, "alice@example.com", h.Username())
	assert.Equal(t, "hunter2", h.Password())
	assert.Nil(t, h.SASL())
}

func TestAuthHandleOAuth(t *testing.T) {
	h := AuthHandle{username: "alice@example.com", secret: "token", oauth: true}

	sasl := h.SASL()
	require.NotNil(t, sasl)

	mech, _, err := sasl.Start()
	require.NoError(t, err)
	assert.Equal(t, "OAUTHBEARER", mech)
}

func TestIsAuthFailure(t *testing.T) {
	base := errors.New("key not found")
	af := &AuthFailure{Account: "alice@example.com", Err: base}

	assert.True(t, IsAuthFailure(af))
	assert.True(t, IsAuthFailure(fmt.Errorf("dialing: %w", af)))
	assert.ErrorIs(t, af, base)
	assert.False(t, IsAuthFailure(base))
}
