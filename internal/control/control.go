package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/turtacn/endura/internal/resource"
	"github.com/turtacn/endura/pkg/logger"
	"github.com/turtacn/endura/pkg/protocol"
)

// DefaultTimeout bounds one request/response exchange on the control socket.
// It covers a reset waiting for a run to wind down.
const DefaultTimeout = 10 * time.Second

// Dispatcher applies one raw command message.
type Dispatcher interface {
	HandleRaw(ctx context.Context, raw []byte) protocol.Reply
}

// Server answers JSON commands on a local unix socket, one command per connection.
type Server struct {
	dispatcher Dispatcher
	timeout    time.Duration
	log        logger.Logger
}

func NewServer(d Dispatcher) *Server {
	return &Server{
		dispatcher: d,
		timeout:    DefaultTimeout,
		log:        logger.Log.With("component", "control"),
	}
}

// Listen obtains the control socket from sm and restricts it to the owner and group.
func Listen(sm *resource.SocketManager, path string) (net.Listener, error) {
	l, err := sm.EnsureListener("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o660); err != nil {
		return nil, fmt.Errorf("chmod control socket: %w", err)
	}
	return l, nil
}

// Serve accepts connections until ctx ends, then closes l.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.log.Info("Control socket listening", "addr", l.Addr().String())

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.timeout))

	var raw json.RawMessage
	if err := json.NewDecoder(conn).Decode(&raw); err != nil {
		s.log.Warn("Control: Failed to read command", "err", err)
		return
	}

	reply := s.dispatcher.HandleRaw(ctx, raw)
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		s.log.Warn("Control: Failed to write reply", "err", err)
	}
}

// Send delivers cmd to the daemon's control socket and waits for the reply.
func Send(ctx context.Context, path string, cmd protocol.Command, timeout time.Duration) (protocol.Reply, error) {
	var d net.Dialer
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("connect to %s: %w", path, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	type result struct {
		reply protocol.Reply
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		if err := json.NewEncoder(conn).Encode(cmd); err != nil {
			ch <- result{err: err}
			return
		}
		var reply protocol.Reply
		if err := json.NewDecoder(conn).Decode(&reply); err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{reply: reply}
	}()

	select {
	case res := <-ch:
		return res.reply, res.err
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

// Personal.AI order the ending
