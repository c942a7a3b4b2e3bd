package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/service/ledger"
)

func TestRetryOnConflict(t *testing.T) {
	duplicate := apperrors.NewConflictError("create_payment: duplicate payments_pkey")
	duplicate.Retryable = false

	tests := []struct {
		name      string
		err       error
		attempts  int
		wantCalls int
		wantCode  string
		wantSame  bool
	}{
		{"success", nil, 3, 1, "", false},
		{"retryable conflict exhausts attempts", apperrors.NewConflictError("lost claim"), 3, 3, apperrors.CodeInvalidState, false},
		{"non-retryable conflict passes through", duplicate, 3, 1, apperrors.CodeConflict, true},
		{"other errors are not retried", apperrors.NewNotFoundError("payment"), 3, 1, apperrors.CodeNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := ledger.RetryOnConflict(context.Background(), tt.attempts, time.Millisecond, func(context.Context) error {
				calls++
				return tt.err
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantCode == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, tt.wantCode), err.Error())
			if tt.wantSame {
				assert.Same(t, tt.err, err)
			}
		})
	}
}
