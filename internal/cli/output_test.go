package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitError(t *testing.T) {
	cause := errors.New("connection refused")

	err := WrapExitError(ExitFailure, "failed to open source", cause)
	assert.Equal(t, "failed to open source: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)

	bare := NewExitError(ExitCommandError, "plugin 'memory' cannot be traced")
	assert.Equal(t, "plugin 'memory' cannot be traced", bare.Error())
	assert.Nil(t, bare.Unwrap())
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"failure", WrapExitError(ExitFailure, "synchronization failed", errors.New("boom")), ExitFailure},
		{"command error", NewExitError(ExitCommandError, "invalid configuration"), ExitCommandError},
		{"wrapped", fmt.Errorf("outer: %w", NewExitError(ExitFailure, "inner")), ExitFailure},
		{"argument error", errors.New(`unknown flag: --frobnicate`), ExitCommandError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}
