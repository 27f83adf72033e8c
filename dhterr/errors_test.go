package dhterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpError(t *testing.T) {
	tests := []struct {
		name string
		err  *OpError
		want string
	}{
		{"with address", NewOpError("PING", "10.0.0.1:4000", ErrTimeout), "mojito PING 10.0.0.1:4000: operation timed out"},
		{"without address", NewOpError("bootstrap", "", ErrNoBootstrapHost), "mojito bootstrap: no bootstrap host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.ErrorIs(t, tt.err, tt.err.Err)
		})
	}
}

func TestWrappedKinds(t *testing.T) {
	err := fmt.Errorf("lookup %s: %w", "abcd", NewOpError("FIND_NODE", "b:1", ErrCancelled))

	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrTimeout)

	var op *OpError
	if assert.True(t, errors.As(err, &op)) {
		assert.Equal(t, "FIND_NODE", op.Op)
		assert.Equal(t, "b:1", op.Addr)
	}
}
