package shared

import "errors"

var (
	ErrNoLogger            = errors.New("no logger provided")
	ErrNoConfig            = errors.New("no config provided")
	ErrNoAPIKey            = errors.New("no API key provided")
	ErrNotConnected        = errors.New("session not connected")
	ErrSessionActive       = errors.New("session already active")
	ErrAlreadyListening    = errors.New("input pipeline already listening")
	ErrCaptureUnavailable  = errors.New("no capture source available")
	ErrPlaybackUnavailable = errors.New("no playback sink available")
	ErrAuthRejected        = errors.New("authentication rejected by remote service")
	ErrQuotaExceeded       = errors.New("quota exceeded on remote service")
	ErrStreamingUnstable   = errors.New("audio streaming unstable")
	ErrMicPermission       = errors.New("microphone permission denied")
	ErrMicNotFound         = errors.New("microphone device not found")
	ErrMicBusy             = errors.New("microphone device busy")
	ErrMicConstraints      = errors.New("unsupported microphone constraints")
)
