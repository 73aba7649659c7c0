/*
The process package starts, watches, and stops a local guider process.
It is deliberately independent of the connection: whether the process is
running is judged by the process handle, and whether the guider is ready
to accept a session is judged by probing its listen port.
*/
package process

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/ivonnyssen/rusty-photon/config"
	"github.com/ivonnyssen/rusty-photon/logger"
)

const (
	// How long a graceful shutdown may take before we kill the process
	defaultStopGracePeriod = 10 * time.Second

	// Pacing for the readiness probe
	defaultPollInterval = 500 * time.Millisecond
	probeDialTimeout    = 500 * time.Millisecond
)

// Spawner starts an executable and hands back a Handle for it
type Spawner interface {
	Spawn(path string, env map[string]string) (Handle, error)
}

// Handle is a started process: its Done channel closes when the process
// exits, however that happens
type Handle interface {
	Pid() int
	Done() <-chan struct{}
	Kill() error
}

// Shutdowner asks the guider to exit on its own terms. The session
// client satisfies this with its shutdown call.
type Shutdowner interface {
	Shutdown() error
}

type Manager struct {
	logger  *logger.Logger
	conf    config.GuiderConfig
	spawner Spawner

	lock   sync.Mutex
	handle Handle

	stopGracePeriod time.Duration
	pollInterval    time.Duration
}

func New(logger *logger.Logger, conf config.GuiderConfig) *Manager {
	return NewWithSpawner(logger, conf, &execSpawner{})
}

// NewWithSpawner injects the spawner, for tests
func NewWithSpawner(logger *logger.Logger, conf config.GuiderConfig, spawner Spawner) *Manager {
	return &Manager{
		logger:          logger,
		conf:            conf,
		spawner:         spawner,
		stopGracePeriod: defaultStopGracePeriod,
		pollInterval:    defaultPollInterval,
	}
}

// Start launches the guider. The executable is the override when given,
// otherwise the configured path, otherwise the platform's usual install
// locations. Starting while our process is still running fails.
func (m *Manager) Start(overridePath string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.handle != nil {
		select {
		case <-m.handle.Done():
			m.handle = nil
		default:
			return &AlreadyRunningError{Pid: m.handle.Pid()}
		}
	}

	path, err := m.findExecutable(overridePath)
	if err != nil {
		return err
	}

	m.logger.Infof("Starting the guider: %s", path)

	handle, err := m.spawner.Spawn(path, m.conf.SpawnEnv)
	if err != nil {
		return &StartFailedError{Reason: err.Error()}
	}

	m.logger.Infof("Guider started with pid %d", handle.Pid())
	m.handle = handle
	return nil
}

// findExecutable resolves the guider binary: explicit override first,
// then the configured path, then the platform defaults
func (m *Manager) findExecutable(overridePath string) (string, error) {
	candidates := []string{}
	if overridePath != "" {
		candidates = append(candidates, overridePath)
	} else if m.conf.ExecutablePath != "" {
		candidates = append(candidates, m.conf.ExecutablePath)
	} else {
		candidates = platformDefaults()
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	// Fall back to the PATH on platforms where that is how the guider
	// is usually installed
	if overridePath == "" && m.conf.ExecutablePath == "" && runtime.GOOS == "linux" {
		if path, err := exec.LookPath("phd2"); err == nil {
			return path, nil
		}
	}

	return "", &ExecutableNotFoundError{Searched: candidates}
}

func platformDefaults() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/Applications/PHD2.app/Contents/MacOS/PHD2"}
	case "windows":
		return []string{
			`C:\Program Files (x86)\PHDGuiding2\phd2.exe`,
			`C:\Program Files\PHDGuiding2\phd2.exe`,
		}
	default:
		return []string{"/usr/bin/phd2", "/usr/local/bin/phd2"}
	}
}

// IsRunning reports whether the process we started is still alive. It
// says nothing about processes started by anyone else.
func (m *Manager) IsRunning() bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.handle == nil {
		return false
	}

	select {
	case <-m.handle.Done():
		return false
	default:
		return true
	}
}

// Reachable probes whether something is accepting sessions on the
// guider's port, whoever started it
func (m *Manager) Reachable() bool {
	conn, err := net.DialTimeout("tcp", m.conf.Address(), probeDialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitUntilReachable polls the guider's port until it accepts or the
// timeout passes. A freshly started guider takes a few seconds to open
// its listener.
func (m *Manager) WaitUntilReachable(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	pace := backoff.NewConstantBackOff(m.pollInterval)

	for {
		if m.Reachable() {
			return nil
		}
		if time.Now().After(deadline) {
			return &NotReachableError{Address: m.conf.Address(), Waited: timeout}
		}
		time.Sleep(pace.NextBackOff())
	}
}

// Stop winds the guider down: ask it to shut itself down, give it the
// grace period to exit, and kill it if it is still around after that. A
// nil shutdowner skips straight to the grace wait.
func (m *Manager) Stop(shutdowner Shutdowner) error {
	m.lock.Lock()
	handle := m.handle
	m.handle = nil
	m.lock.Unlock()

	if handle == nil {
		return nil
	}

	select {
	case <-handle.Done():
		return nil
	default:
	}

	if shutdowner != nil {
		if err := shutdowner.Shutdown(); err != nil {
			m.logger.Errorf("graceful shutdown request failed: %s", err)
		}
	}

	select {
	case <-handle.Done():
		m.logger.Info("Guider exited cleanly")
		return nil
	case <-time.After(m.stopGracePeriod):
	}

	m.logger.Errorf("guider did not exit within %s, killing pid %d", m.stopGracePeriod, handle.Pid())
	if err := handle.Kill(); err != nil {
		return fmt.Errorf("failed to kill the guider: %w", err)
	}

	<-handle.Done()
	return nil
}

// execSpawner spawns real processes

type execSpawner struct{}

func (s *execSpawner) Spawn(path string, env map[string]string) (Handle, error) {
	cmd := exec.Command(path)
	cmd.Env = os.Environ()
	for key, value := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	handle := &execHandle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(handle.done)
	}()

	return handle, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}
