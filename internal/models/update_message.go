package models

import "encoding/json"

// UpdateMessage is the envelope placed on the work-item update queue. JobID
// rides along so batch consumers can group updates per job without a lookup.
type UpdateMessage struct {
	JobID  string         `json:"job_id"`
	Update WorkItemUpdate `json:"update"`
}

// Encode serializes the envelope for the queue
func (m UpdateMessage) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeUpdateMessage parses an update-queue message body
func DecodeUpdateMessage(body string) (UpdateMessage, error) {
	var m UpdateMessage
	err := json.Unmarshal([]byte(body), &m)
	return m, err
}
