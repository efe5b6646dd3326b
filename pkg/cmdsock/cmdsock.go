// Package cmdsock exposes an operator control socket for the watcher. One
// text command per line; the reply for each command is written back on the
// same connection before the next line is read.
package cmdsock

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Command is one operator request handed to the main loop. The handler
// sends exactly one reply on ResponseCh.
type Command struct {
	Cmd        string
	Args       []string
	ResponseCh chan string
}

const responseTimeout = 30 * time.Second

// Listener accepts connections on a Unix socket and forwards parsed
// commands to the main loop.
type Listener struct {
	path     string
	cmdChan  chan<- Command
	listener net.Listener
	logger   zerolog.Logger
}

// NewListener creates a command socket listener. An empty path disables it.
func NewListener(path string, cmdChan chan<- Command, logger zerolog.Logger) *Listener {
	return &Listener{
		path:    path,
		cmdChan: cmdChan,
		logger:  logger.With().Str("component", "cmdsock").Logger(),
	}
}

// Start begins accepting connections and blocks until Stop is called or ctx
// is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	if l.path == "" {
		l.logger.Info().Msg("Command socket path is not configured, listener disabled")
		return nil
	}

	// Remove a stale socket file left by a previous run.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old command socket: %w", err)
	}

	listener, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("failed to listen on command socket: %w", err)
	}
	l.listener = listener
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	l.logger.Info().Str("path", l.path).Msg("Command socket listener started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.logger.Error().Err(err).Msg("Failed to accept command socket connection")
			continue
		}
		go l.handleConnection(ctx, conn)
	}
}

// Stop closes the listening socket, unblocking Start.
func (l *Listener) Stop() {
	if l.listener != nil {
		l.listener.Close()
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := Command{
			Cmd:        fields[0],
			Args:       fields[1:],
			ResponseCh: make(chan string, 1),
		}
		l.logger.Info().Str("cmd", cmd.Cmd).Msg("Received command")

		select {
		case l.cmdChan <- cmd:
		case <-ctx.Done():
			return
		}

		select {
		case resp := <-cmd.ResponseCh:
			fmt.Fprintln(conn, resp)
		case <-time.After(responseTimeout):
			fmt.Fprintln(conn, "ERR timeout waiting for response")
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		l.logger.Error().Err(err).Msg("Error reading from command socket")
	}
}
