package uplink

import (
	"encoding/json"
	"time"
)

// Status states visible to external consumers.
const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// statusPublisher builds the retained presence payloads for one endpoint.
//
// The online payload is published immediately after the connection is
// established, the offline payload on graceful teardown, and the same
// offline payload is armed as the broker-side last will at connect time so
// an abrupt network loss still produces an externally visible offline
// transition. Status publishes are always retained; packet publishes
// never are.
type statusPublisher struct {
	origin   string
	originID string
	topic    string
}

// payload builds the status JSON for a state ("online"/"offline").
func (s statusPublisher) payload(state string) []byte {
	body := map[string]string{
		"status":    state,
		"timestamp": time.Now().Format(time.RFC3339),
		"origin":    s.origin,
		"origin_id": s.originID,
		"source":    sourceTag,
	}
	// Marshal of map[string]string cannot fail.
	data, _ := json.Marshal(body)
	return data
}
