package guardrails

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Confirmer asks an operator whether flagged output may be released.
type Confirmer interface {
	Confirm(ctx context.Context, jobID string, warnings []string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, jobID string, warnings []string) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, jobID string, warnings []string) (bool, error) {
	return f(ctx, jobID, warnings)
}

// TerminalConfirmer prompts on a terminal. When stdin is not a terminal it
// denies, so unattended workers never release flagged output silently; use a
// FileConfirmer there instead.
type TerminalConfirmer struct {
	in  io.Reader
	out io.Writer
	tty bool

	turn  chan struct{} // one prompt at a time
	once  sync.Once
	lines chan string
}

// NewTerminalConfirmer prompts on stdin/stderr.
func NewTerminalConfirmer() *TerminalConfirmer {
	return &TerminalConfirmer{
		in:  os.Stdin,
		out: os.Stderr,
		tty: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

// readLines is the only reader of in. A blocked read cannot be interrupted,
// so it outlives cancelled prompts and answers the next one.
func (t *TerminalConfirmer) readLines() {
	sc := bufio.NewScanner(t.in)
	for sc.Scan() {
		t.lines <- sc.Text()
	}
	close(t.lines)
}

// Confirm implements Confirmer. End of input denies.
func (t *TerminalConfirmer) Confirm(ctx context.Context, jobID string, warnings []string) (bool, error) {
	if !t.tty {
		return false, nil
	}
	t.once.Do(func() {
		t.turn = make(chan struct{}, 1)
		t.lines = make(chan string)
		go t.readLines()
	})
	select {
	case t.turn <- struct{}{}:
		defer func() { <-t.turn }()
	case <-ctx.Done():
		return false, ctx.Err()
	}

	fmt.Fprintf(t.out, "Job %s produced %d security warning(s):\n", jobID, len(warnings))
	for _, w := range warnings {
		fmt.Fprintf(t.out, "  %s\n", w)
	}
	fmt.Fprint(t.out, "Release artifacts? [y/N] ")
	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return false, ctx.Err()
	case line, ok := <-t.lines:
		if !ok {
			return false, nil
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}

// ReviewGate holds flagged jobs until a Confirmer approves them.
type ReviewGate struct {
	confirmer Confirmer
	enabled   bool
}

// NewReviewGate builds a gate. A nil confirmer uses the terminal.
func NewReviewGate(enabled bool, confirmer Confirmer) *ReviewGate {
	if confirmer == nil {
		confirmer = NewTerminalConfirmer()
	}
	return &ReviewGate{confirmer: confirmer, enabled: enabled}
}

// Enabled reports whether the gate is active.
func (g *ReviewGate) Enabled() bool {
	return g.enabled
}

// Approve returns true when the gate is off, there is nothing to review, or
// the confirmer approves. Confirmers must return once ctx is done; a
// cancelled ctx denies whatever they answered.
func (g *ReviewGate) Approve(ctx context.Context, jobID string, warnings []string) (bool, error) {
	if !g.enabled || len(warnings) == 0 {
		return true, nil
	}
	ok, err := g.confirmer.Confirm(ctx, jobID, warnings)
	if cerr := ctx.Err(); cerr != nil {
		return false, cerr
	}
	return ok, err
}
