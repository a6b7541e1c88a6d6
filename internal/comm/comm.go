package comm

import (
	"encoding/json"
	"time"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

// SubjectNotify carries NotifyEvent from the stamp service to the push and socket services.
const SubjectNotify = "stamp.notify"

type WSMessage struct {
	Type     string          `json:"type"` // e.g. "init", "refresh"
	Data     json.RawMessage `json:"data"`
	SocketId string          `json:"socketid,omitempty"`
}

// InitData is the payload of the first socket message, binding the socket to a member.
type InitData struct {
	Token string `json:"token"`
}

type NotifyEvent struct {
	ID           string              `json:"id"`
	InstanceId   string              `json:"instance_id,omitempty"`
	Notification models.Notification `json:"notification"`
	Timestamp    time.Time           `json:"timestamp"`
}

// RefreshData tells an open screen that state changed and should be re-read.
type RefreshData struct {
	Event models.NotificationEvent `json:"event"`
	Title string                   `json:"title"`
	Body  string                   `json:"body"`
	Data  map[string]string        `json:"data,omitempty"`
}

type Res struct {
	Status bool   `json:"status"`
	Error  string `json:"error,omitempty"`
}
