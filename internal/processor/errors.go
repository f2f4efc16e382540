package processor

import (
	"errors"
	"fmt"

	"github.com/adverant/nexus/beanscan-worker/internal/extractor"
	"github.com/adverant/nexus/beanscan-worker/internal/output"
)

// ErrorKind classifies why a job failed
type ErrorKind string

const (
	KindInput     ErrorKind = "input"     // Unreadable or unsupported source
	KindEncoding  ErrorKind = "encoding"  // No output profile could be opened
	KindDetection ErrorKind = "detection" // Detector or tracker call failed
	KindOutput    ErrorKind = "output"    // Writing or publishing the output failed
	KindInternal  ErrorKind = "internal"
)

// JobError is the error a failed job ends with
type JobError struct {
	Kind ErrorKind
	Err  error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

func jobErr(kind ErrorKind, format string, args ...interface{}) *JobError {
	return &JobError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, inferring it for errors that did not pass
// through the pipeline
func KindOf(err error) ErrorKind {
	var je *JobError
	switch {
	case errors.As(err, &je):
		return je.Kind
	case errors.Is(err, output.ErrEncodingUnavailable):
		return KindEncoding
	case errors.Is(err, extractor.ErrUnsupportedInput):
		return KindInput
	default:
		return KindInternal
	}
}
