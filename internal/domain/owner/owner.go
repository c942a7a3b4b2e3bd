package owner

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
)

const maxDisplayNameLength = 200

// Owner is the party (a patient) agreements and billing orders belong to.
// Owner records are supplied by an external system; the ledger keeps only the
// display name used in payment history.
type Owner struct {
	ID          uuid.UUID
	DisplayName string
	UpdatedAt   time.Time
}

// NewOwner validates and returns an owner record.
func NewOwner(id uuid.UUID, displayName string, at time.Time) (*Owner, error) {
	if id == uuid.Nil {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "owner id is required")
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "display name is required")
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidInput, "display name is too long")
	}
	return &Owner{ID: id, DisplayName: name, UpdatedAt: at}, nil
}
