package cmdsock

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T) (string, chan Command) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	cmdChan := make(chan Command, 1)

	ctx, cancel := context.WithCancel(context.Background())
	l := NewListener(path, cmdChan, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		l.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return path, cmdChan
}

func TestCommandRoundTrip(t *testing.T) {
	path, cmdChan := startListener(t)

	go func() {
		cmd := <-cmdChan
		cmd.ResponseCh <- fmt.Sprintf("OK %s/%s", cmd.Cmd, strings.Join(cmd.Args, ","))
	}()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintln(conn, "rebind 10.8.0.2")
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK rebind/10.8.0.2\n", reply)
}

func TestMultipleCommandsOnOneConnection(t *testing.T) {
	path, cmdChan := startListener(t)

	go func() {
		for cmd := range cmdChan {
			cmd.ResponseCh <- "OK " + cmd.Cmd
		}
	}()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for _, cmd := range []string{"status", "pause", "resume"} {
		fmt.Fprintln(conn, cmd)
		reply, err := reader.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "OK "+cmd+"\n", reply)
	}
}

func TestBlankLinesIgnored(t *testing.T) {
	path, cmdChan := startListener(t)

	go func() {
		cmd := <-cmdChan
		cmd.ResponseCh <- "OK " + cmd.Cmd
	}()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprint(conn, "\n\nstatus\n")
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK status\n", reply)
}

func TestDisabledWhenPathEmpty(t *testing.T) {
	l := NewListener("", make(chan Command), zerolog.Nop())
	assert.NoError(t, l.Start(context.Background()))
}
