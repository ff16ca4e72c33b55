package fake

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/loopbill/loopbill/internal/provider/domain"
)

type envelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Livemode bool   `json:"livemode"`
	Created  int64  `json:"created"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func parseEnvelope(payload []byte) (domain.Event, error) {
	var e envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return domain.Event{}, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.Type) == "" {
		return domain.Event{}, domain.ErrInvalidPayload
	}
	occurredAt := time.Unix(e.Created, 0).UTC()
	if e.Created == 0 {
		occurredAt = time.Now().UTC()
	}
	return domain.Event{
		ID:         e.ID,
		Type:       e.Type,
		Livemode:   e.Livemode,
		OccurredAt: occurredAt,
		Object:     e.Data.Object,
		Raw:        payload,
	}, nil
}
