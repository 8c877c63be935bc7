package session

import "errors"

var (
	// ErrClosed is returned by engine calls made after teardown.
	ErrClosed = errors.New("session: engine closed")
	// ErrNoSession indicates there is no protocol id to act on yet.
	ErrNoSession = errors.New("session: no active session")
	// ErrEmptyMessage is returned by SendText with blank text and no voice
	// transcript to fall back on.
	ErrEmptyMessage = errors.New("session: message is empty")
	// ErrRatingClosed indicates the message no longer accepts ratings.
	ErrRatingClosed = errors.New("session: rating window closed")
	// ErrVoiceDisabled indicates speech-to-text is turned off in preferences.
	ErrVoiceDisabled = errors.New("session: voice input disabled")
	// ErrNotRecording is returned by StopVoice when no capture is running.
	ErrNotRecording = errors.New("session: not recording")
)
