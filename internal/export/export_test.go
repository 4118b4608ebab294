package export

import (
	"strings"
	"testing"
	"time"
)

func sampleTranscript() Transcript {
	created := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	return Transcript{
		ChatID:    "chat-1",
		Title:     "Trip planning",
		UserEmail: "avery@example.test",
		CreatedAt: created,
		Messages: []TranscriptMessage{
			{Role: "user", Text: "Where should I go in March?", CreatedAt: created},
			{Role: "assistant", Text: "Consider Kyoto or Lisbon.", CreatedAt: created.Add(time.Minute)},
		},
	}
}

func TestRenderTranscriptHTML(t *testing.T) {
	html, err := RenderTranscriptHTML(sampleTranscript())
	if err != nil {
		t.Fatalf("RenderTranscriptHTML() error = %v", err)
	}

	for _, want := range []string{
		"Trip planning",
		"avery@example.test",
		"Where should I go in March?",
		"Consider Kyoto or Lisbon.",
		`class="message user"`,
		`class="message assistant"`,
		"Mar 14, 2026",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered HTML missing %q", want)
		}
	}
}

func TestRenderTranscriptHTMLEscapesContent(t *testing.T) {
	transcript := sampleTranscript()
	transcript.Messages[0].Text = `<script>alert("x")</script>`

	html, err := RenderTranscriptHTML(transcript)
	if err != nil {
		t.Fatalf("RenderTranscriptHTML() error = %v", err)
	}
	if strings.Contains(html, `<script>alert`) {
		t.Error("message content must be HTML-escaped")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Trip planning", "Trip-planning"},
		{"What's <this>?", "Whats-this"},
		{"", "chat"},
		{"///", "chat"},
		{strings.Repeat("a", 80), strings.Repeat("a", 50)},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"a b", "a%20b"},
		{"a+b", "a%2Bb"},
		{"<html>", "%3Chtml%3E"},
	}
	for _, tt := range tests {
		if got := percentEncodeForDataURL(tt.in); got != tt.want {
			t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
