package pipeline

// Message is the payload carried by every pipeline queue: either a unit of work or a stop token.
type Message[T any] struct {
	value T
	stop  bool
}

// Work wraps v as a work item.
func Work[T any](v T) Message[T] {
	return Message[T]{value: v}
}

// Stop returns a stop token.
func Stop[T any]() Message[T] {
	return Message[T]{stop: true}
}

// IsStop reports whether m is a stop token.
func (m Message[T]) IsStop() bool {
	return m.stop
}

// Value returns the work item and true, or the zero value and false for a stop token.
func (m Message[T]) Value() (T, bool) {
	if m.stop {
		var zero T
		return zero, false
	}
	return m.value, true
}
