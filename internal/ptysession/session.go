// Package ptysession spawns a local shell on a pseudo-terminal and owns its
// lifecycle for the duration of one WebSocket connection.
package ptysession

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Default terminal geometry until the client sends a resize frame.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// Resize dimensions are clamped to this range before being applied, so a
// hostile resize frame cannot drive an oversized PTY allocation.
const (
	MinDim uint16 = 1
	MaxDim uint16 = 500
)

// ClampDim forces a raw resize dimension into [MinDim, MaxDim].
func ClampDim(v int) uint16 {
	if v < int(MinDim) {
		return MinDim
	}
	if v > int(MaxDim) {
		return MaxDim
	}
	return uint16(v)
}

// ResolveShell picks the shell to spawn: the configured path, then $SHELL,
// then /bin/sh.
func ResolveShell(configured string) string {
	if configured != "" {
		return configured
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// SpawnConfig describes the shell process to start.
type SpawnConfig struct {
	Shell string
	Dir   string
	Env   []string
	Cols  uint16
	Rows  uint16
}

// Session is one running shell attached to a PTY. The relay goroutines use
// Read/Write/Resize; Close and Done belong to the supervising handler.
type Session struct {
	cmd  *exec.Cmd
	ptmx *os.File

	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex // guards resize against concurrent apply
	cols uint16
	rows uint16
}

// Start spawns the shell under cfg and allocates its PTY.
func Start(cfg SpawnConfig) (*Session, error) {
	cols, rows := cfg.Cols, cfg.Rows
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}

	cmd := exec.Command(cfg.Shell)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}

	s := &Session{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
		cols: cols,
		rows: rows,
	}

	go func() {
		cmd.Wait()
		close(s.done)
	}()

	return s, nil
}

// Read fills buf with PTY output. It returns an error once the child exits
// and the PTY drains.
func (s *Session) Read(buf []byte) (int, error) {
	return s.ptmx.Read(buf)
}

// Write delivers input bytes to the shell.
func (s *Session) Write(data []byte) (int, error) {
	return s.ptmx.Write(data)
}

// Resize applies a new terminal size, clamping both dimensions first.
func (s *Session) Resize(cols, rows int) error {
	c := ClampDim(cols)
	r := ClampDim(rows)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: c, Rows: r}); err != nil {
		return err
	}
	s.cols = c
	s.rows = r
	return nil
}

// Size reports the last applied terminal geometry.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Done is closed once the child process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Exited reports whether the child has already exited.
func (s *Session) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close hangs up on the child (SIGHUP, matching a real terminal going away)
// and releases the PTY. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Signal(syscall.SIGHUP)
		}
		s.ptmx.Close()
	})
}
