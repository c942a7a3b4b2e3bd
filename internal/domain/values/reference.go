package values

import (
	"strings"

	"github.com/google/uuid"
)

// Reference renders a short human-readable reference for an entity id,
// e.g. "FIN-1A2B3C4D". It is for display only and is not unique.
func Reference(prefix string, id uuid.UUID) string {
	return prefix + "-" + strings.ToUpper(id.String()[:8])
}
