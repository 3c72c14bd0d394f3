package quote

import "fmt"

// FetchError reports a transport or status failure for one identifier.
type FetchError struct {
	Identifier string
	Status     int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: status %d", e.Identifier, e.Status)
	}
	return fmt.Sprintf("fetch %s: status %d: %v", e.Identifier, e.Status, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports that an expected field was missing from a fetched page.
type ParseError struct {
	Identifier string
	Field      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: field %q not found", e.Identifier, e.Field)
}

// PersistError reports that a sink could not store a record.
type PersistError struct {
	Subject string
	Sink    string
	Err     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s to %s: %v", e.Subject, e.Sink, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
