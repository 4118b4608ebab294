// Package export renders chat transcripts to downloadable PDF files.
package export

import (
	"errors"
	"time"
)

// Transcript is the chat content handed to the exporter.
type Transcript struct {
	ChatID    string
	Title     string
	UserEmail string
	CreatedAt time.Time
	Messages  []TranscriptMessage
}

// TranscriptMessage is one message in the rendered transcript.
type TranscriptMessage struct {
	Role      string
	Text      string
	CreatedAt time.Time
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
