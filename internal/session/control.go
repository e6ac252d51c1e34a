package session

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Handle applies a remote control command and reports the session view after it.
func (s *Session) Handle(ctx context.Context, cmd protocol.ControlCommand) protocol.ControlReply {
	var err error
	switch cmd.Cmd {
	case protocol.CmdToggle:
		err = s.Toggle(ctx)
	case protocol.CmdStart:
		err = s.Start(ctx)
	case protocol.CmdStop:
		err = s.Stop()
	case protocol.CmdDismiss:
		s.Dismiss()
	case protocol.CmdStatus:
	default:
		err = fmt.Errorf("unknown command %q", cmd.Cmd)
	}

	snap := s.Snapshot()
	reply := protocol.ControlReply{
		OK:        err == nil,
		SessionID: snap.SessionID,
		State:     snap.State.String(),
		Status:    snap.Status,
		Banner:    snap.Error.Message,
		Entries:   len(snap.Transcript),
	}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}

// Wire converts e to its bus/WebSocket form.
func (e Event) Wire() protocol.SessionEvent {
	out := protocol.SessionEvent{
		Type:      string(e.Type),
		SessionID: e.SessionID,
		State:     e.State.String(),
		Status:    e.Status,
		Message:   e.Message,
		Kind:      string(e.Kind),
		Timestamp: e.At,
	}
	if e.Entry != nil {
		idx := e.Index
		out.Index = &idx
		out.Entry = &protocol.TranscriptEntry{
			Speaker:   string(e.Entry.Speaker),
			Text:      e.Entry.Text,
			AudioURL:  e.Entry.AudioURL,
			Timestamp: e.Entry.At,
		}
	}
	return out
}
