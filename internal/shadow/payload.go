package shadow

import "encoding/json"

// updateRequest is published by the device to report new state.
type updateRequest struct {
	State       updateState `json:"state"`
	ClientToken string      `json:"clientToken"`
}

type updateState struct {
	Reported map[string]interface{} `json:"reported"`
}

// acceptedPayload is received on .../update/accepted.
type acceptedPayload struct {
	Version     int    `json:"version"`
	ClientToken string `json:"clientToken"`
	State       struct {
		Reported map[string]interface{} `json:"reported"`
		Desired  map[string]interface{} `json:"desired"`
	} `json:"state"`
}

// rejectedPayload is received on .../update/rejected.
type rejectedPayload struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	ClientToken string `json:"clientToken"`
}

// deltaPayload is received on .../update/delta: only the fields where
// desired differs from reported, keyed by top-level section.
type deltaPayload struct {
	Version int                        `json:"version"`
	State   map[string]json.RawMessage `json:"state"`
}

// brokerMigration is the recognized shape of the "mqtt" delta section.
type brokerMigration struct {
	BrokerID string `json:"brokerId"`
	Broker   string `json:"brokerUrl"`
	Username string `json:"username"`
	Password string `json:"password"`
}
