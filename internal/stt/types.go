package stt

import "context"

// Transcript is one transcription result from the speech-to-text service
type Transcript struct {
	// Text is the transcribed text
	Text string

	// IsFinal marks a segment the service will not revise
	IsFinal bool

	// SpeechFinal marks the last segment of an utterance (the speaker paused)
	SpeechFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// StartTime is the start time of the segment in seconds
	StartTime float64

	// Duration is the duration of the segment in seconds
	Duration float64
}

// Transcriber is a streaming speech-to-text session
type Transcriber interface {
	// Start opens the streaming session
	Start(ctx context.Context) error

	// SendAudio sends an audio chunk to the service
	SendAudio(audio []byte) error

	// Transcripts delivers results until the session is closed
	Transcripts() <-chan *Transcript

	// Stop finishes the streaming session
	Stop() error

	// Close stops the session and releases its resources
	Close() error
}

// Factory creates one Transcriber per voice stream
type Factory func() Transcriber
