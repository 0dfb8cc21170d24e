package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceUnavailableError(t *testing.T) {
	t.Run("wraps the cause", func(t *testing.T) {
		cause := errors.New("dial tcp: connection refused")
		err := ServiceUnavailableError("price oracle", cause)

		assert.True(t, errors.Is(err, ErrServiceUnavailable))
		assert.True(t, errors.Is(err, cause))
		assert.True(t, err.Retryable)
		assert.Contains(t, err.Error(), "price oracle")
	})

	t.Run("works without a cause", func(t *testing.T) {
		err := ServiceUnavailableError("quote resolution", nil)

		assert.True(t, errors.Is(err, ErrServiceUnavailable))
		assert.True(t, err.Retryable)
	})
}

func TestDomainErrorCategories(t *testing.T) {
	assert.True(t, IsNotFound(NotFoundError("order")))
	assert.True(t, IsInvalidInput(ValidationError("owner", "required")))
	assert.True(t, errors.Is(InvalidTransitionError("completed", "cancel"), ErrInvalidTransition))
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(base, "load order")
	require.Error(t, wrapped)
	assert.True(t, errors.Is(wrapped, base))
	assert.Contains(t, wrapped.Error(), "load order")

	assert.NoError(t, Wrap(nil, "ignored"))
}
