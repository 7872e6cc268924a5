package apikey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	v := NewValidator([]string{" alpha ", "", "beta"})
	assert.True(t, v.Configured())

	assert.NoError(t, v.Validate("alpha"))
	assert.NoError(t, v.Validate("beta"))
	assert.ErrorIs(t, v.Validate("gamma"), ErrInvalidKey)
	assert.ErrorIs(t, v.Validate(""), ErrMissingKey)
}

func TestEmptyValidatorRejectsAll(t *testing.T) {
	v := NewValidator(nil)
	assert.False(t, v.Configured())
	assert.ErrorIs(t, v.Validate("anything"), ErrInvalidKey)
}

func TestHashKey(t *testing.T) {
	assert.Len(t, HashKey("alpha"), 64)
	assert.Equal(t, HashKey("alpha"), HashKey("alpha"))
	assert.NotEqual(t, HashKey("alpha"), HashKey("beta"))
}
