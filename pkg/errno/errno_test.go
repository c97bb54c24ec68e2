package errno

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"nil", nil, 0, "Success"},
		{"plain errno", ErrQuoteStale, 30003, "Gas fee token quote is stale"},
		{"pointer errno", &ErrTxNotFound, 30007, "Transaction not found"},
		{"wrapped errno", fmt.Errorf("approve: %w", ErrBroadcast), 30005, "approve: Broadcast failed"},
		{"unknown", errors.New("boom"), 10001, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := Decode(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("nonce 7: %w", ErrNonceState.WithMessage("nonce already broadcast"))

	assert.True(t, errors.Is(err, ErrNonceState))
	assert.False(t, errors.Is(err, ErrQuoteStale))
	assert.Equal(t, "NonceStateError", Name(err))
	assert.Equal(t, "InternalError", Name(errors.New("x")))
}
