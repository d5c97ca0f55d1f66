package lpmarshaller

import (
	"encoding/json"

	"github.com/webitel/rt-gateway-service/internal/domain/model"
	wsmarshaller "github.com/webitel/rt-gateway-service/internal/handler/marshaller/ws"
)

// Response is the top-level batch for long-polling consumers.
type Response struct {
	Events []json.RawMessage `json:"events"`
}

// MarshallEvents converts a slice of domain events into a single JSON
// batch. Individual events reuse the same cached wire form the socket
// transport produces, so mixed-transport fan-out still encodes once.
func MarshallEvents(events []*model.Event) ([]byte, error) {
	res := Response{
		Events: make([]json.RawMessage, 0, len(events)),
	}

	for _, ev := range events {
		data, err := wsmarshaller.MarshallEvent(ev)
		if err != nil {
			return nil, err
		}
		res.Events = append(res.Events, data)
	}

	return json.Marshal(res)
}
