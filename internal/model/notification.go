package model

// Message is the payload delivered to a device through the push
// transport. The service worker on the client renders it.
type Message struct {
	// Title is the notification heading.
	Title string `json:"title"`

	// Body is the human-readable notification text.
	Body string `json:"body"`

	// URL is opened when the user taps the notification.
	URL string `json:"url"`

	// Tag lets the client replace an earlier notification for the same
	// task instead of stacking a duplicate.
	Tag string `json:"tag"`
}
