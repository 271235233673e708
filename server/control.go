package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

const DefaultShutdownReason = "maintenance"

// ListenControl opens the unix control socket at path, replacing a stale one.
func ListenControl(path string) (net.Listener, error) {
	os.Remove(path)
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control socket %s: %w", path, err)
	}
	return listener, nil
}

// ServeControl answers management commands on listener until ctx is done.
// Commands are single lines:
//
//	stats
//	shutdown|reason
//
// A shutdown request stops the chat server and then calls stop so the
// caller can end the process.
func (s *Server) ServeControl(ctx context.Context, listener net.Listener, stop func()) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("control accept failed", "error", err)
			continue
		}
		go s.handleControlCommand(conn, stop)
	}
}

func (s *Server) handleControlCommand(conn net.Conn, stop func()) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	switch parts[0] {
	case "stats":
		fmt.Fprintf(conn, "OK|%s\n", s.GetStats())

	case "shutdown":
		reason := DefaultShutdownReason
		if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
			reason = strings.TrimSpace(parts[1])
		}
		fmt.Fprint(conn, "OK|Shutting down\n")
		conn.Close()

		s.logger.Info("shutdown requested", "reason", reason)
		s.Shutdown(reason)
		if stop != nil {
			stop()
		}

	case "":
		fmt.Fprint(conn, "ERROR|Invalid command\n")

	default:
		fmt.Fprint(conn, "ERROR|Unknown command\n")
	}
}

// ControlRequest sends one command to the control socket at path and
// returns the payload of an OK answer.
func ControlRequest(path, command string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect control socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}

	answer, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && answer == "" {
		return "", fmt.Errorf("read answer: %w", err)
	}
	status, payload, _ := strings.Cut(strings.TrimSpace(answer), "|")
	if status != "OK" {
		return "", fmt.Errorf("control: %s", payload)
	}
	return payload, nil
}
