package opiforge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorContextCarriesKindThroughWrapping(t *testing.T) {
	base := Errorf(ErrCompilationFailed, "make failed in %s", "/src/kernel")
	wrapped := fmt.Errorf("stage kernel-compile: %w", base)

	assert.Equal(t, ErrCompilationFailed, KindOf(wrapped))

	var ec *ErrorContext
	require.True(t, errors.As(wrapped, &ec))
	assert.Equal(t, -1, ec.ExitStatus)
	assert.NotEmpty(t, ec.Origin)
	assert.False(t, ec.Timestamp.IsZero())
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	ec := WrapError(ErrNetworkFailure, cause, "debootstrap failed")

	assert.ErrorIs(t, ec, cause)
	assert.Contains(t, ec.Error(), "debootstrap failed")
	assert.Equal(t, ErrNetworkFailure, KindOf(ec))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, ErrUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, ErrUnknown, KindOf(nil))
}

func TestErrorKindStrings(t *testing.T) {
	kinds := []ErrorKind{
		ErrUnknown, ErrNetworkFailure, ErrInsufficientSpace, ErrDependencyMissing,
		ErrCompilationFailed, ErrConfigurationFailed, ErrInstallationFailed,
		ErrImageAssemblyFailed, ErrUserCancelled,
	}
	seen := make(map[string]bool)
	for _, k := range kinds {
		s := k.String()
		assert.NotEmpty(t, s)
		assert.False(t, seen[s], "duplicate name %q", s)
		seen[s] = true
	}
}

func TestSignalTerminated(t *testing.T) {
	ec := Errorf(ErrUnknown, "killed")
	assert.False(t, ec.SignalTerminated())
	ec.Signal = 9
	assert.True(t, ec.SignalTerminated())
}
