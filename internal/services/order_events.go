package services

import "time"

// OrderEventCompleted is published once per committed order.
const OrderEventCompleted = "order.completed"

// OrderEvent is the payload published for order lifecycle changes.
type OrderEvent struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"orderId"`
	UserID     string    `json:"userId,omitempty"`
	Email      string    `json:"email,omitempty"`
	Gateway    string    `json:"gateway"`
	Currency   string    `json:"currency"`
	Total      int64     `json:"total"`
	TestMode   bool      `json:"testMode"`
	OccurredAt time.Time `json:"occurredAt"`
	Receipt    *Receipt  `json:"receipt,omitempty"`
}

// Receipt is a rendered confirmation e-mail.
type Receipt struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}
