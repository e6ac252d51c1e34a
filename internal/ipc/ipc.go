package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Controller accepts control commands.
type Controller interface {
	Handle(ctx context.Context, cmd protocol.ControlCommand) protocol.ControlReply
}

// Server answers one JSON command per connection on a unix socket.
type Server struct {
	ln   net.Listener
	path string
	ctrl Controller
	log  *slog.Logger
	wg   sync.WaitGroup
}

// StartServer listens on path, replacing a stale socket, and serves until
// ctx is done or Close is called.
func StartServer(ctx context.Context, path string, ctrl Controller, log *slog.Logger) (*Server, error) {
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := &Server{
		ln:   ln,
		path: path,
		ctrl: ctrl,
		log:  log.With(slog.String("component", "ipc")),
	}

	s.wg.Add(1)
	go s.accept(ctx)
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	s.log.Info("control socket listening", slog.String("path", path))
	return s, nil
}

func (s *Server) accept(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	var reply protocol.ControlReply
	var msg protocol.ControlCommand
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		reply = protocol.ControlReply{Error: "invalid command: " + err.Error()}
	} else {
		reply = s.ctrl.Handle(ctx, msg)
		s.log.Debug("control command", slog.String("cmd", msg.Cmd), slog.Bool("ok", reply.OK))
	}
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		s.log.Warn("failed to write reply", slog.String("error", err.Error()))
	}
}

// Close stops accepting, waits for open connections and removes the socket.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	_ = os.Remove(s.path)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// SendCommand sends cmd to the daemon listening on path and returns its reply.
func SendCommand(ctx context.Context, path, cmd string) (protocol.ControlReply, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return protocol.ControlReply{}, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(protocol.ControlCommand{Cmd: cmd}); err != nil {
		return protocol.ControlReply{}, fmt.Errorf("send command: %w", err)
	}
	var reply protocol.ControlReply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return protocol.ControlReply{}, fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}
