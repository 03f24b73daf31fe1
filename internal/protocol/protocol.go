// Package protocol pins the cross-process ABI: the shared store key strings
// and the signal names both the recorder daemon and the keyboard agent must
// agree on. Changing any constant here breaks interop with a peer built from
// an older revision.
package protocol

import "time"

// Shared store keys. These are the on-disk key strings and must stay stable.
const (
	KeyIsRecording             = "isRecording"
	KeyIsPaused                = "isPaused"
	KeyIsAudioSessionActive    = "isAudioSessionActive"
	KeyRecordingSessionID      = "recordingSessionId"
	KeyCurrentRecordingSegment = "currentRecordingSegment"
	KeyTranscriptionInProgress = "transcriptionInProgress"
	KeyPendingTranscription    = "pendingTranscription"
	KeyLastTranscription       = "lastTranscription"
	KeyTranscriptionError      = "transcriptionError"
	KeySessionStartTime        = "sessionStartTime"
	KeyRecordingStartTime      = "recordingStartTime"
	KeySessionTimeoutDuration  = "recordingSessionTimeoutDuration"
	KeyKeyboardHasFullAccess   = "keyboardHasFullAccess"
	KeyKeyboardLastCheck       = "keyboardLastCheck"
	KeyStatusRequestTime       = "statusRequestTime"
)

// Signal names broadcast on the bus. Signals carry no payload; the only
// contract is "re-read the shared store now".
const (
	SignalStartRecording        = "com.murmur.startRecording"
	SignalStopRecording         = "com.murmur.stopRecording"
	SignalCancelRecording       = "com.murmur.cancelRecording"
	SignalTranscriptionReady    = "com.murmur.transcriptionReady"
	SignalRecordingStateChanged = "com.murmur.recordingStateChanged"
	SignalReturnToHostApp       = "com.murmur.returnToHostApp"
	SignalRequestKeyboardStatus = "com.murmur.requestKeyboardStatus"
	SignalKeyboardStatusUpdated = "com.murmur.keyboardStatusUpdated"
)

// Deep link surface.
const (
	DeepLinkScheme     = "murmur"
	DeepLinkStartHost  = "startRecording"
	DeepLinkReturnHost = "returnToHost"
)

// DefaultSessionTimeout applies when the store carries no override.
const DefaultSessionTimeout = 5 * time.Minute
