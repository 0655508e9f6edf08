package core

// Notifier receives fire-and-forget events after successful write
// operations. Implementations must not block the calling request.
type Notifier interface {
	Notify(resource string, operation Operation, payload []byte)
}
