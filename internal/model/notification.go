package model

import "time"

// Notification is a human-readable report about store health, such as a
// store that became unreadable or fell out of sync with the index.
type Notification struct {
	// ID is the unique identifier for this notification.
	ID string `json:"id"`

	// StoreID links this notification to the store it describes; zero for
	// reports covering several stores.
	StoreID int64 `json:"store_id"`

	// Message is the human-readable notification text.
	Message string `json:"message"`

	// Read indicates whether the user has seen this notification.
	Read bool `json:"read"`

	// CreatedAt is when this notification was generated.
	CreatedAt time.Time `json:"created_at"`
}
