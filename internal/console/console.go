package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/session"
)

// Session is the part of the voice session the terminal drives.
type Session interface {
	Toggle(ctx context.Context) error
	Start(ctx context.Context) error
	Dismiss()
	Snapshot() session.Snapshot
}

// Console renders session events on a terminal and maps typed lines to the
// toggle control: an empty line toggles, a line holding only spaces starts
// listening (never stops), d dismisses the error, t prints the transcript and
// q quits.
type Console struct {
	in   io.Reader
	out  io.Writer
	sess Session
	log  *slog.Logger
	mu   sync.Mutex
}

func New(in io.Reader, out io.Writer, sess Session, log *slog.Logger) *Console {
	return &Console{
		in:   in,
		out:  out,
		sess: sess,
		log:  log.With(slog.String("component", "console")),
	}
}

// Run reads commands until q or ctx is done, both returning nil. When the
// input ends first it returns io.EOF.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		errc <- err
	}()

	snap := c.sess.Snapshot()
	c.printf("%s  (Enter: talk/stop, space+Enter: talk, d: dismiss, t: transcript, q: quit)\n", snap.Status)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if quit := c.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func (c *Console) handle(ctx context.Context, line string) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case line == "":
		c.report(c.sess.Toggle(ctx))
	case trimmed == "":
		c.report(c.sess.Start(ctx))
	case trimmed == "d":
		c.sess.Dismiss()
	case trimmed == "t":
		c.printTranscript()
	case trimmed == "q":
		return true
	default:
		c.printf("unknown command %q\n", trimmed)
	}
	return false
}

func (c *Console) report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, session.ErrBusy):
		c.printf("busy, please wait\n")
	case errors.Is(err, session.ErrUnsupported):
		c.printf("! %s\n", session.Describe(err))
	default:
		c.log.Warn("control failed", slog.String("error", err.Error()))
	}
}

func (c *Console) printTranscript() {
	snap := c.sess.Snapshot()
	if len(snap.Transcript) == 0 {
		c.printf("(no messages yet)\n")
		return
	}
	for _, e := range snap.Transcript {
		c.printEntry(e)
	}
}

// OnEvent renders session events.
func (c *Console) OnEvent(_ context.Context, event session.Event) {
	switch event.Type {
	case session.EventStatus:
		c.printf("[%s]\n", event.Status)
	case session.EventEntry:
		c.printEntry(*event.Entry)
	case session.EventErrorShown:
		c.printf("! %s\n", event.Message)
	}
}

func (c *Console) printEntry(e session.Entry) {
	who := "You"
	if e.Speaker == session.SpeakerAssistant {
		who = "Assistant"
	}
	c.printf("%s: %s\n", who, e.Text)
	if e.AudioURL != "" {
		c.printf("  audio: %s\n", e.AudioURL)
	}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
