package progress

import (
	"fmt"
	"strings"
)

// StepBar displays progress through a fixed number of pipeline steps,
// one block per step.
type StepBar struct {
	message string
	current int
	total   int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: max(total, 1)}
}

func (s *StepBar) Set(current int) {
	s.current = min(max(current, 0), s.total)
}

func (s *StepBar) String() string {
	percent := float64(s.current) / float64(s.total) * 100

	// "Converting  50% ▕██████      ▏ 6/12"
	return fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d",
		s.message, percent,
		strings.Repeat("█", s.current), strings.Repeat(" ", s.total-s.current),
		s.current, s.total)
}
