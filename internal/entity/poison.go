package entity

import (
	"time"

	"github.com/google/uuid"
)

// PoisonMessage is a delivery that was acked without producing a job run.
type PoisonMessage struct {
	ID         uuid.UUID `json:"id"`
	Queue      string    `json:"queue"`
	MessageID  string    `json:"message_id,omitempty"`
	Reason     string    `json:"reason"`
	Body       []byte    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}
