package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/fruitsalade/resources/internal/delta"
	"github.com/fruitsalade/resources/internal/notify"
)

// console prints every committed delta, one colored line per change.
type console struct {
	mu  sync.Mutex
	out io.Writer

	added   func(string, ...any) string
	removed func(string, ...any) string
	changed func(string, ...any) string
	flags   func(string, ...any) string
}

func newConsole(out io.Writer) *console {
	return &console{
		out:     out,
		added:   color.GreenString,
		removed: color.RedString,
		changed: color.YellowString,
		flags:   color.New(color.Faint).SprintfFunc(),
	}
}

func (c *console) ResourceChanged(_ context.Context, ev *notify.Event) error {
	if ev.Delta == nil {
		return nil
	}
	changes := ev.Delta.Changes()
	if len(changes) == 0 {
		return nil
	}
	var b strings.Builder
	for _, e := range changes {
		c.line(&b, e)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, b.String())
	return err
}

func (c *console) line(b *strings.Builder, e delta.Entry) {
	paint := c.changed
	switch e.Kind {
	case delta.Added:
		paint = c.added
	case delta.Removed:
		paint = c.removed
	}
	fmt.Fprintf(b, "%s %s", paint(e.Kind.Symbol()), e.Path)
	if e.Flags != 0 {
		fmt.Fprintf(b, " %s", c.flags("{%s}", e.Flags))
	}
	if e.MovedFrom != "" {
		fmt.Fprintf(b, " from %s", e.MovedFrom)
	}
	if e.MovedTo != "" {
		fmt.Fprintf(b, " to %s", e.MovedTo)
	}
	b.WriteByte('\n')
}
