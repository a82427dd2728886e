// Package capture tracks each dictation from creation through transcription
// and promotion. Records live in a SQLite table shared with the capture
// process; ids are monotonic so sibling processes can follow new records.
package capture

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown dictation ids
	ErrNotFound = errors.New("dictation not found")
	// ErrAlreadyPromoted is returned when promoting a record that left `none`
	ErrAlreadyPromoted = errors.New("dictation already promoted")
	// ErrAlreadyTranscribed is returned when failing a transcription that succeeded
	ErrAlreadyTranscribed = errors.New("dictation already transcribed")
)

// TranscriptionStatus of a dictation
type TranscriptionStatus string

const (
	TranscriptionPending TranscriptionStatus = "pending"
	TranscriptionFailed  TranscriptionStatus = "failed"
	TranscriptionSuccess TranscriptionStatus = "success"
)

// PromotionStatus of a dictation. Leaves `none` at most once until reset.
type PromotionStatus string

const (
	PromotionNone    PromotionStatus = "none"
	PromotionMemo    PromotionStatus = "memo"
	PromotionCommand PromotionStatus = "command"
	PromotionIgnored PromotionStatus = "ignored"
)

// Valid reports whether s is a promotion target
func (s PromotionStatus) Valid() bool {
	return s == PromotionMemo || s == PromotionCommand || s == PromotionIgnored
}

// AppContext describes the application that was focused during capture
type AppContext struct {
	BundleID    string `json:"bundleId,omitempty"`
	AppName     string `json:"appName,omitempty"`
	WindowTitle string `json:"windowTitle,omitempty"`
}

// Dictation is one capture record
type Dictation struct {
	ID        int64      `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	Text      string     `json:"text"`
	Mode      string     `json:"mode,omitempty"`
	App       AppContext `json:"app"`
	Duration  float64    `json:"durationSeconds"`
	WordCount int        `json:"wordCount"`
	AudioRef  string     `json:"audioRef,omitempty"`

	TranscriptionStatus TranscriptionStatus `json:"transcriptionStatus"`
	TranscriptionError  string              `json:"transcriptionError,omitempty"`
	TranscriptionModel  string              `json:"transcriptionModel,omitempty"`

	PromotionStatus PromotionStatus `json:"promotionStatus"`
	PromotionRef    string          `json:"promotionRef,omitempty"`

	CreatedInCaptureView bool       `json:"createdInCaptureView"`
	PasteTimestamp       *time.Time `json:"pasteTimestamp,omitempty"`
}

// IsQueued reports whether the record belongs in the queue view: captured
// in the foreground view, never pasted and not promoted.
func (d *Dictation) IsQueued() bool {
	return d.CreatedInCaptureView && d.PasteTimestamp == nil && d.PromotionStatus == PromotionNone
}

// IsRetryEligible reports whether transcription may be retried: it has not
// succeeded and the audio is still referenced.
func (d *Dictation) IsRetryEligible() bool {
	return (d.TranscriptionStatus == TranscriptionFailed || d.TranscriptionStatus == TranscriptionPending) &&
		d.AudioRef != ""
}
