// Package quote defines the records, collaborator contracts and error types shared by the
// discovery, fetch and sink stages of the quote pipeline.
//
// The pipeline engine itself lives in internal/pipeline and knows nothing about quotes; this
// package is what the concrete workers agree on.
package quote
