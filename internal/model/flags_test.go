package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagsSetAndClear(t *testing.T) {
	var f Flags

	f = f.Set(FlagSeen, true)
	assert.True(t, f.Has(FlagSeen))

	f = f.With(FlagStarred)
	assert.True(t, f.Has(FlagSeen | FlagStarred))

	f = f.Set(FlagSeen, false)
	assert.False(t, f.Has(FlagSeen))
	assert.True(t, f.Has(FlagStarred))

	f = f.Without(FlagStarred)
	assert.Equal(t, Flags(0), f)
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "none", Flags(0).String())
	assert.Equal(t, "seen,starred", (FlagSeen | FlagStarred).String())
	assert.Equal(t, "answered,deleted", (FlagAnswered | FlagDeleted).String())
}

func TestDeriveStableID(t *testing.T) {
	assert.Equal(t, "abc@example.com", DeriveStableID("abc@example.com", 7, 42))
	assert.Equal(t, "uid:7:42", DeriveStableID("", 7, 42))
}
