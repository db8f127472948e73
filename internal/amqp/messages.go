package amqp

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncRequestMessage asks the worker to sync one connection. The worker
// fetches everything else from the database, so the message stays small.
type SyncRequestMessage struct {
	ConnectionID string     `json:"connection_id"`
	OwnerID      string     `json:"owner_id"`
	Force        bool       `json:"force"`
	WindowStart  *time.Time `json:"window_start,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

func NewSyncRequestMessage(ownerID, connectionID string, force bool, windowStart *time.Time) *SyncRequestMessage {
	return &SyncRequestMessage{
		ConnectionID: connectionID,
		OwnerID:      ownerID,
		Force:        force,
		WindowStart:  windowStart,
		Timestamp:    time.Now(),
	}
}

func (m *SyncRequestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func SyncRequestMessageFromJSON(data []byte) (*SyncRequestMessage, error) {
	var msg SyncRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ConnectionID == "" || msg.OwnerID == "" {
		return nil, fmt.Errorf("sync request missing connection_id or owner_id")
	}
	return &msg, nil
}

// CategorizeRequestMessage asks the worker to run a categorization pass.
// An empty TransactionIDs means "everything still uncategorized"; Force
// widens that to all transactions in the working set.
type CategorizeRequestMessage struct {
	JobID          string    `json:"job_id"`
	OwnerID        string    `json:"owner_id"`
	TransactionIDs []string  `json:"transaction_ids,omitempty"`
	Force          bool      `json:"force"`
	Timestamp      time.Time `json:"timestamp"`
}

func NewCategorizeRequestMessage(jobID, ownerID string, transactionIDs []string, force bool) *CategorizeRequestMessage {
	return &CategorizeRequestMessage{
		JobID:          jobID,
		OwnerID:        ownerID,
		TransactionIDs: transactionIDs,
		Force:          force,
		Timestamp:      time.Now(),
	}
}

func (m *CategorizeRequestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func CategorizeRequestMessageFromJSON(data []byte) (*CategorizeRequestMessage, error) {
	var msg CategorizeRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.JobID == "" || msg.OwnerID == "" {
		return nil, fmt.Errorf("categorize request missing job_id or owner_id")
	}
	return &msg, nil
}
