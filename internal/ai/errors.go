package ai

import "errors"

var (
	// ErrInferenceTimeout is returned when the prediction call exceeds the
	// configured timeout. The processor treats it like any other inference
	// failure.
	ErrInferenceTimeout = errors.New("inference request timed out")

	// ErrInferenceFailed is returned when the service answers with a
	// non-200 status.
	ErrInferenceFailed = errors.New("inference request failed")
)
