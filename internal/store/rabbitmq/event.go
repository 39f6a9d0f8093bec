package rabbitmq

import (
	"time"

	"github.com/suPer8Hu/acontext-api/internal/common"
)

const (
	ReasonNewMessage = "new_message"
	ReasonReconcile  = "reconcile"
)

// Event tells the extraction consumer that a session has new work. It is
// deliberately small; the consumer reads the messages itself.
type Event struct {
	EventID   string    `json:"event_id"`
	ProjectID string    `json:"project_id"`
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

func NewEvent(projectID, sessionID, messageID, reason string) (Event, error) {
	id, err := common.NewULID()
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:   id,
		ProjectID: projectID,
		SessionID: sessionID,
		MessageID: messageID,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}, nil
}
