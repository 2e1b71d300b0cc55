package progress

import (
	"strings"
	"testing"
	"time"
)

func spinning(s *Spinner) bool {
	str := s.String()
	for _, part := range s.parts {
		if strings.Contains(str, part) {
			return true
		}
	}

	return false
}

func TestSpinnerString(t *testing.T) {
	s := NewSpinner("reading checkpoint")
	defer s.Stop()

	if str := s.String(); !strings.Contains(str, "reading checkpoint") {
		t.Errorf("String() = %q, want the message in it", str)
	}
	if !spinning(s) {
		t.Errorf("String() = %q, want an animation glyph while running", s.String())
	}

	s.SetMessage("verifying encoder")
	if str := s.String(); !strings.Contains(str, "verifying encoder") {
		t.Errorf("String() = %q after SetMessage, want the new message", str)
	}
}

func TestSpinnerStopRemovesGlyph(t *testing.T) {
	s := NewSpinner("quantizing")
	s.Stop()

	if spinning(s) {
		t.Errorf("String() = %q after Stop, want no animation glyph", s.String())
	}
	if str := s.String(); !strings.Contains(str, "quantizing") {
		t.Errorf("String() = %q after Stop, want the message kept", str)
	}
}

func TestSpinnerStopIsIdempotent(t *testing.T) {
	s := NewSpinner("exporting")

	s.Stop()
	first := s.stopped

	time.Sleep(10 * time.Millisecond)
	s.Stop()

	if !first.Equal(s.stopped) {
		t.Error("second Stop() moved the stop time")
	}
}

func TestSpinnerTruncatesLongMessages(t *testing.T) {
	s := NewSpinner("verifying decoder_cached against the eager reference")
	defer s.Stop()

	s.messageWidth = 10
	if str := s.String(); strings.Contains(str, "eager") {
		t.Errorf("String() = %q, want the message cut to %d columns", str, s.messageWidth)
	}
}
