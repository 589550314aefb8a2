package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/shelltop/internal/config"
	"github.com/gluk-w/shelltop/internal/logutil"
	"github.com/gluk-w/shelltop/internal/middleware"
	"github.com/gluk-w/shelltop/internal/ptysession"
)

// terminalRateLimit caps client frames per second per connection, with a
// burst to absorb paste operations. Frames beyond the rate are dropped.
const (
	terminalRateLimit = 200
	terminalRateBurst = 200
)

// wsReadLimit bounds a single incoming WebSocket message.
const wsReadLimit = 1024 * 1024

// PTYRegistry is set from main.go; live sessions register here so shutdown
// can hang up on them.
var PTYRegistry *ptysession.Registry

// TerminalWS upgrades the connection, redeems the single-use ticket, spawns
// the shell on a PTY, and runs the relay until either side closes.
//
// Query parameters:
//   - ticket: single-use ticket from POST /ws/ticket. Required.
//   - cwd: requested starting directory. Silently replaced by the user's
//     root when it resolves outside it.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("terminal: websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	userID, err := Tickets.Redeem(r.URL.Query().Get("ticket"), time.Now())
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "invalid ticket")
		return
	}

	user, ok := config.UserByID(userID)
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "unknown user")
		return
	}

	dir := ptysession.ResolveDir(user.Root, r.URL.Query().Get("cwd"))
	shell := ptysession.ResolveShell(config.Cfg.Shell)

	sess, err := ptysession.Start(ptysession.SpawnConfig{
		Shell: shell,
		Dir:   dir,
		Env: []string{
			"TERM=xterm-256color",
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"HOME=" + user.Root,
			"USER=" + user.ID,
			"SHELL=" + shell,
		},
	})
	if err != nil {
		log.Printf("terminal: shell spawn failed for %s: %v", logutil.SanitizeForLog(userID), err)
		writeFrame(r.Context(), conn, ptysession.Frame{Type: ptysession.FrameError, Message: "failed to start shell"})
		conn.Close(websocket.StatusInternalError, "failed to start shell")
		return
	}
	defer sess.Close()

	if PTYRegistry != nil {
		PTYRegistry.Add(sess)
		defer PTYRegistry.Remove(sess)
	}

	log.Printf("terminal: session started user=%s shell=%s dir=%s", logutil.SanitizeForLog(userID), shell, dir)

	conn.SetReadLimit(wsReadLimit)

	// Cancelling a pending websocket Read tears the connection down, so
	// relay goroutines run against the request context and the supervisor
	// sequences teardown by closing the session and the connection instead.
	relayCtx := r.Context()

	// PTY output -> client. Reads at most one chunk per frame and awaits
	// the WebSocket write before the next read, so the PTY throttles when
	// the client is slow.
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		buf := make([]byte, ptysession.ReadChunkSize)
		for {
			n, err := sess.Read(buf)
			if n > 0 {
				frame := ptysession.Frame{
					Type: ptysession.FrameOutput,
					Data: base64.StdEncoding.EncodeToString(buf[:n]),
				}
				if werr := writeFrame(relayCtx, conn, frame); werr != nil {
					return
				}
			}
			if err != nil {
				// Read errors after child exit are the normal PTY EOF.
				return
			}
		}
	}()

	limiter := middleware.NewTokenBucket(terminalRateBurst, terminalRateLimit)

	// Client -> PTY input. Each PTY write completes before the next frame
	// is read. Unknown types and malformed JSON are ignored.
	inputDone := make(chan error, 1)
	go func() {
		inputDone <- func() error {
			for {
				_, data, err := conn.Read(relayCtx)
				if err != nil {
					return err
				}
				if !limiter.Allow() {
					continue
				}

				var frame ptysession.Frame
				if err := json.Unmarshal(data, &frame); err != nil {
					continue
				}

				switch frame.Type {
				case ptysession.FrameInput:
					raw, err := base64.StdEncoding.DecodeString(frame.Data)
					if err != nil {
						continue
					}
					if _, err := sess.Write(raw); err != nil {
						return fmt.Errorf("pty write: %w", err)
					}
				case ptysession.FrameResize:
					sess.Resize(frame.Cols, frame.Rows)
				}
			}
		}()
	}()

	// The supervising handler owns the child handle and the exit protocol.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()

	var reason error
	select {
	case <-sess.Done():
		// Child exited: drain the remaining output, publish exit, close.
		<-outputDone
		writeFrame(closeCtx, conn, ptysession.Frame{Type: ptysession.FrameExit})
		conn.Close(websocket.StatusNormalClosure, "")

	case reason = <-inputDone:
		// Client went away or the PTY rejected a write. Hanging up on the
		// session delivers SIGHUP and unblocks the output goroutine's read.
		sess.Close()
		<-outputDone
		if sess.Exited() {
			writeFrame(closeCtx, conn, ptysession.Frame{Type: ptysession.FrameExit})
		} else {
			writeFrame(closeCtx, conn, ptysession.Frame{Type: ptysession.FrameError, Message: "terminal relay failed"})
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}

	log.Printf("terminal: session ended user=%s reason=%v", logutil.SanitizeForLog(userID), reason)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame ptysession.Frame) error {
	return conn.Write(ctx, websocket.MessageText, ptysession.EncodeFrame(frame))
}
