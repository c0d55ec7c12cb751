package models

// Ack is the acknowledgement returned by host persistence operations.
type Ack string

// AckOK is the only acknowledgement treated as success.
const AckOK Ack = "ok"

// Notifier receives human-readable progress lines for a live recipient.
// Delivery is best effort.
type Notifier interface {
	Notify(text string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(text string)

// Notify calls f(text).
func (f NotifierFunc) Notify(text string) {
	f(text)
}
