package transcribe

import (
	"errors"
	"fmt"
)

var (
	// ErrFileNotFound reports a missing audio segment file.
	ErrFileNotFound = errors.New("audio file not found")

	// ErrNoAudioSegments reports an empty segment with nothing to upload.
	ErrNoAudioSegments = errors.New("no audio segments found for transcription")

	// ErrInvalidEndpoint reports an unparsable transcription endpoint URL.
	ErrInvalidEndpoint = errors.New("invalid transcription endpoint URL")
)

// HTTPError reports a non-2xx response from the transcription endpoint.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("transcription endpoint returned HTTP %d", e.Status)
}

// DecodeError reports a response body that carried no usable transcript.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to parse transcription response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
