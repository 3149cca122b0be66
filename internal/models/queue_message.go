package models

import "encoding/json"

// WorkMessage is the structure placed on a service queue.
// Keep it small - just enough for the worker endpoint to load the item.
type WorkMessage struct {
	WorkItemID int64  `json:"work_item_id"`
	JobID      string `json:"job_id"`
	ServiceID  string `json:"service_id"`
}

// Encode serializes the message for the queue
func (m WorkMessage) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeWorkMessage parses a service-queue message body
func DecodeWorkMessage(body string) (WorkMessage, error) {
	var m WorkMessage
	err := json.Unmarshal([]byte(body), &m)
	return m, err
}
