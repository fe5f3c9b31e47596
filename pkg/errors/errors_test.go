package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAlreadyCompleted(t *testing.T) {
	assert.True(t, IsAlreadyCompleted(fmt.Errorf("%w: code -2011", ErrOrderAlreadyCompleted)))
	assert.True(t, IsAlreadyCompleted(ErrOrderNotFound))
	assert.False(t, IsAlreadyCompleted(ErrNetwork))
	assert.False(t, IsAlreadyCompleted(errors.New("boom")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("%w: timeout", ErrNetwork)))
	assert.True(t, IsTransient(ErrRateLimitExceeded))
	assert.False(t, IsTransient(ErrInsufficientFunds))
	assert.False(t, IsTransient(ErrOrderAlreadyCompleted))
}
