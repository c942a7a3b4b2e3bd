package owner

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
)

func TestNewOwner(t *testing.T) {
	tests := []struct {
		name    string
		id      uuid.UUID
		display string
		want    string
		wantErr bool
	}{
		{"valid", uuid.New(), "  Ana Ruiz ", "Ana Ruiz", false},
		{"missing id", uuid.Nil, "Ana", "", true},
		{"blank name", uuid.New(), "   ", "", true},
		{"too long", uuid.New(), strings.Repeat("é", 201), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := NewOwner(tt.id, tt.display, time.Now())
			if tt.wantErr {
				assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, o.DisplayName)
			assert.Equal(t, tt.id, o.ID)
		})
	}
}
