package process

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vpnguard-go/pkg/config"
)

// fakeService simulates the service manager: status exits zero while
// "running", stop flips it unless stubborn, kill always flips it.
type fakeService struct {
	mu       sync.Mutex
	running  bool
	stubborn bool
	calls    []string
}

func (f *fakeService) runner(ctx context.Context, name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))

	switch name {
	case "status":
		if f.running {
			return nil
		}
		// Mimic a real status probe's non-zero exit.
		return exec.Command("false").Run()
	case "stop":
		if !f.stubborn {
			f.running = false
		}
		return nil
	case "kill":
		f.running = false
		return nil
	case "start":
		f.running = true
		return nil
	}
	return nil
}

func testManager(f *fakeService) *CommandManager {
	cfg := &config.ClientConfig{
		StopCommand:         []string{"stop", "client"},
		StartCommand:        []string{"start", "client"},
		StatusCommand:       []string{"status", "client"},
		KillCommand:         []string{"kill", "client"},
		GracefulStopTimeout: 100 * time.Millisecond,
		StartupTimeout:      100 * time.Millisecond,
	}
	return NewCommandManagerWithRunner(cfg, f.runner, zerolog.Nop())
}

func TestRunningReflectsStatusExit(t *testing.T) {
	f := &fakeService{running: true}
	m := testManager(f)

	running, err := m.Running(context.Background())
	require.NoError(t, err)
	assert.True(t, running)

	f.running = false
	running, err = m.Running(context.Background())
	require.NoError(t, err)
	assert.False(t, running)
}

func TestStopGraceful(t *testing.T) {
	f := &fakeService{running: true}
	m := testManager(f)

	require.NoError(t, m.Stop(context.Background()))

	joined := strings.Join(f.calls, ";")
	assert.Contains(t, joined, "stop client")
	assert.NotContains(t, joined, "kill client", "no escalation when graceful stop works")
}

func TestStopEscalatesToKill(t *testing.T) {
	f := &fakeService{running: true, stubborn: true}
	m := testManager(f)

	require.NoError(t, m.Stop(context.Background()))
	assert.Contains(t, strings.Join(f.calls, ";"), "kill client")
}

func TestStartWaitsForRunning(t *testing.T) {
	f := &fakeService{}
	m := testManager(f)

	require.NoError(t, m.Start(context.Background()))
	running, err := m.Running(context.Background())
	require.NoError(t, err)
	assert.True(t, running)
}

func TestStopHonorsContextCancellation(t *testing.T) {
	f := &fakeService{running: true, stubborn: true}
	cfg := &config.ClientConfig{
		StopCommand:         []string{"stop"},
		StatusCommand:       []string{"status"},
		GracefulStopTimeout: 10 * time.Second,
	}
	m := NewCommandManagerWithRunner(cfg, f.runner, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Stop(ctx))
}
