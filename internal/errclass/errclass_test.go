package errclass

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain error", errors.New("boom"), ExitOperational},
		{"validation", ErrValidation, ExitValidation},
		{"gate", ErrGate, ExitGate},
		{"no-op", ErrNoOp, ExitNoOp},
		{"wrapped validation", eris.Wrap(ErrValidation, "bad manifest"), ExitValidation},
		{"deeply wrapped gate", eris.Wrap(eris.Wrap(ErrGate, "hash mismatch"), "verify"), ExitGate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
