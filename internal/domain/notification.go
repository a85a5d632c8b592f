package domain

import "time"

type NotificationStatus string

const (
	NotificationStatusSending  NotificationStatus = "sending"
	NotificationStatusNotified NotificationStatus = "notified"
	NotificationStatusFailed   NotificationStatus = "failed"
)

// OrderNotification is the durable "notified" marker for one merchant order.
type OrderNotification struct {
	MerchantOrderID   string
	ExternalReference string
	Status            NotificationStatus
	Attempts          int
	LastError         *string
	ClaimedAt         *time.Time
	NotifiedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
