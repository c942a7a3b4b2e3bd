package websocket

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/davidleathers/financing-ledger-backend/internal/service/ledger"
)

func filtersFromQuery(r *http.Request) (Filters, error) {
	q := r.URL.Query()
	var f Filters

	for _, raw := range q["owner_id"] {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Filters{}, fmt.Errorf("invalid owner_id %q", raw)
		}
		f.OwnerIDs = append(f.OwnerIDs, id)
	}
	for _, raw := range q["agreement_id"] {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Filters{}, fmt.Errorf("invalid agreement_id %q", raw)
		}
		f.AgreementIDs = append(f.AgreementIDs, id)
	}
	for _, t := range q["type"] {
		f.EventTypes = append(f.EventTypes, ledger.EventType(t))
	}
	return f, nil
}
