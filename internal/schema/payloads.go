package schema

// Per-variant payload forms. The transport layer carries payloads as opaque
// JSON; these structs exist only for writer-side and reader-side validation.

type OrderItem struct {
	SKU      string `json:"sku" validate:"required"`
	Quantity int    `json:"quantity" validate:"required,gt=0"`
}

// order_created v1
type OrderCreatedV1 struct {
	Items           []OrderItem `json:"items" validate:"required,min=1,dive"`
	TotalMinorUnits int64       `json:"total_minor_units" validate:"required,gt=0"`
	Currency        string      `json:"currency" validate:"required,len=3"`
}

// order_updated v1
type OrderUpdatedV1 struct {
	Status          string      `json:"status" validate:"required,oneof=created confirmed failed"`
	Items           []OrderItem `json:"items,omitempty" validate:"omitempty,dive"`
	TotalMinorUnits int64       `json:"total_minor_units,omitempty" validate:"omitempty,gt=0"`
	Reason          string      `json:"reason,omitempty"`
}

// order_cancelled v1
type OrderCancelledV1 struct {
	Reason string `json:"reason,omitempty"`
}

// notification_sent v1
type NotificationSentV1 struct {
	Channel string `json:"channel" validate:"required,oneof=email sms push"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body" validate:"required"`
}
