package models

type NotificationEvent string

const (
	EventStampAdded      NotificationEvent = "stamp_added"
	EventCouponIssued    NotificationEvent = "coupon_issued"
	EventCouponRequested NotificationEvent = "coupon_requested"
	EventCouponUsed      NotificationEvent = "coupon_used"
)

// Notification is addressed to one member; Data tells the app which screen to open.
type Notification struct {
	RecipientID string            `json:"recipient_id"`
	Event       NotificationEvent `json:"event"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
}
