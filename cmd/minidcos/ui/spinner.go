package ui

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// Spinner shows the step being worked on and, once stopped, how long it took.
type Spinner struct {
	*spinner.Spinner
	msg     string
	started time.Time
}

func interactive() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// NewSpinner starts a spinner on stderr. It returns nil when stderr is not a
// terminal, and every method accepts a nil Spinner.
func NewSpinner(msg string) *Spinner {
	if !interactive() {
		return nil
	}
	s := &Spinner{
		Spinner: spinner.New(
			spinner.CharSets[14],
			200*time.Millisecond,
			spinner.WithHiddenCursor(true),
			spinner.WithWriter(os.Stderr),
			spinner.WithSuffix(" "+msg),
		),
		msg:     msg,
		started: time.Now(),
	}
	s.Start()
	return s
}

// UpdateMessage replaces the text shown next to the spinner.
func (s *Spinner) UpdateMessage(msg string) {
	if s == nil {
		return
	}
	s.Lock()
	s.Spinner.Suffix = " " + msg
	s.Unlock()
	s.msg = msg
}

func (s *Spinner) Success(msg ...string) {
	s.finish(color.HiGreenString("✓"), msg)
}

func (s *Spinner) Warn(msg ...string) {
	s.finish(color.HiYellowString("!"), msg)
}

func (s *Spinner) Fail(msg ...string) {
	s.finish(color.HiRedString("✗"), msg)
}

// finish stops the spinner, printing msg[0] or else the last message.
func (s *Spinner) finish(symbol string, msg []string) {
	if s == nil {
		return
	}
	if len(msg) == 0 {
		msg = []string{s.msg}
	}
	elapsed := time.Since(s.started).Truncate(time.Second)
	s.Spinner.FinalMSG = fmt.Sprintf("%s %s %s\n", symbol, msg[0], color.HiBlackString("(%s)", elapsed))
	s.Stop()
}
