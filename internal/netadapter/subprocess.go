package netadapter

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/privatedatabroker/pdb/internal/brokererr"
)

// These are vars, not consts, so tests can shrink them rather than wait out
// the real boundary values spec §4.3/§8 pins (10s readiness, 30s call).
var (
	readinessTimeout = 10 * time.Second
	pingTimeout      = 3 * time.Second
	callTimeout      = 30 * time.Second
)

// pipePair is what spawning the auxiliary process produces: something to
// write requests to, something to read responses from, and a way to tear
// the whole thing down.
type pipePair struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	kill   func() error
}

// spawner starts one instance of the auxiliary process. The default is
// defaultSpawner (cmd/brokerd -adapter); tests substitute a fake.
type spawner func(sessionKey []byte) (pipePair, error)

// setupResult is the shared pending-promise slot concurrent ensureReady
// callers wait on; cleared once settlement happens so a failed setup can
// be retried by the next caller rather than cached forever (spec §4.3).
type setupResult struct {
	done chan struct{}
	err  error
}

// SubprocessAdapter implements Adapter by forwarding every Call across a
// framed, encrypted pipe to a cooperating subprocess that is allowed to
// make outbound HTTP calls. At most one subprocess exists per
// SubprocessAdapter.
type SubprocessAdapter struct {
	spawn   spawner
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *frameConn
	pipe    pipePair
	pending map[string]chan wireFrame
	pongCh  chan struct{}

	setupMu      sync.Mutex
	pendingSetup *setupResult
}

// NewSubprocessAdapter builds an adapter that spawns the adapter binary at
// path with args, passing a fresh per-lifetime session key over the
// environment. limit/burst configure the outbound pacing applied to every
// Call before it is forwarded.
func NewSubprocessAdapter(path string, args []string, limit rate.Limit, burst int) *SubprocessAdapter {
	return &SubprocessAdapter{
		spawn:   execSpawner(path, args),
		limiter: rate.NewLimiter(limit, burst),
		pending: make(map[string]chan wireFrame),
		pongCh:  make(chan struct{}, 1),
	}
}

func execSpawner(path string, args []string) spawner {
	return func(sessionKey []byte) (pipePair, error) {
		cmd := exec.Command(path, args...)
		cmd.Env = append(cmd.Environ(), fmt.Sprintf("%s=%s", PDBAdapterKeyEnv, string(sessionKey)))

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return pipePair{}, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return pipePair{}, err
		}
		if err := cmd.Start(); err != nil {
			return pipePair{}, err
		}
		return pipePair{stdin: stdin, stdout: stdout, kill: func() error {
			_ = stdin.Close()
			return cmd.Process.Kill()
		}}, nil
	}
}

// Call forwards one request across the process boundary, blocking until a
// response arrives, ctx is cancelled, or the 30s call timeout elapses.
func (a *SubprocessAdapter) Call(ctx context.Context, endpoint string, method Method, body any) (json.RawMessage, error) {
	if err := a.ensureReady(ctx); err != nil {
		return nil, err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, brokererr.ErrTimeout
	}

	var rawBody json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, brokererr.Invalid("could not marshal request body: %v", err)
		}
		rawBody = b
	}

	corrID := uuid.New().String()
	respCh := make(chan wireFrame, 1)

	a.mu.Lock()
	conn := a.conn
	a.pending[corrID] = respCh
	a.mu.Unlock()

	if conn == nil {
		a.dropPending(corrID)
		return nil, brokererr.ErrAdapterUnavailable
	}

	if err := conn.writeFrame(wireFrame{
		Kind:          kindCall,
		CorrelationID: corrID,
		Endpoint:      endpoint,
		Method:        method,
		Body:          rawBody,
	}); err != nil {
		a.dropPending(corrID)
		a.teardown()
		return nil, brokererr.ErrAdapterUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	select {
	case resp, ok := <-respCh:
		a.dropPending(corrID)
		if !ok {
			return nil, brokererr.ErrAdapterUnavailable
		}
		if resp.Kind == kindError {
			return nil, upstreamError(resp.Status, resp.ErrorText)
		}
		return resp.Result, nil
	case <-callCtx.Done():
		a.dropPending(corrID)
		return nil, brokererr.ErrTimeout
	}
}

func (a *SubprocessAdapter) dropPending(corrID string) {
	a.mu.Lock()
	delete(a.pending, corrID)
	a.mu.Unlock()
}

// ensureReady brings the subprocess up if it is not already, sharing one
// in-flight setup among concurrent callers.
func (a *SubprocessAdapter) ensureReady(ctx context.Context) error {
	a.mu.Lock()
	ready := a.conn != nil
	a.mu.Unlock()
	if ready {
		return nil
	}

	a.setupMu.Lock()
	a.mu.Lock()
	ready = a.conn != nil
	a.mu.Unlock()
	if ready {
		a.setupMu.Unlock()
		return nil
	}
	if a.pendingSetup != nil {
		res := a.pendingSetup
		a.setupMu.Unlock()
		select {
		case <-res.done:
			return res.err
		case <-ctx.Done():
			return brokererr.ErrTimeout
		}
	}
	res := &setupResult{done: make(chan struct{})}
	a.pendingSetup = res
	a.setupMu.Unlock()

	err := a.spawnAndHandshake()
	res.err = err

	a.setupMu.Lock()
	a.pendingSetup = nil
	a.setupMu.Unlock()
	close(res.done)

	return err
}

func (a *SubprocessAdapter) spawnAndHandshake() error {
	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return err
	}

	pipe, err := a.spawn(sessionKey)
	if err != nil {
		return brokererr.ErrAdapterUnavailable
	}
	conn, err := newFrameConn(pipe.stdin, pipe.stdout, sessionKey)
	if err != nil {
		_ = pipe.kill()
		return brokererr.ErrAdapterUnavailable
	}

	readyCh := make(chan error, 1)
	go func() {
		f, err := conn.readFrame()
		if err != nil {
			readyCh <- err
			return
		}
		if f.Kind != kindReady {
			readyCh <- fmt.Errorf("netadapter: expected READY, got %s", f.Kind)
			return
		}
		readyCh <- nil
	}()

	select {
	case err := <-readyCh:
		if err != nil {
			_ = pipe.kill()
			return brokererr.ErrAdapterUnavailable
		}
	case <-time.After(readinessTimeout):
		_ = pipe.kill()
		return brokererr.ErrAdapterUnavailable
	}

	a.mu.Lock()
	a.conn = conn
	a.pipe = pipe
	a.mu.Unlock()

	go a.readLoop(conn)
	return nil
}

// readLoop dispatches every inbound frame to the pending caller waiting on
// its correlation id, and tears the adapter down when the pipe closes.
func (a *SubprocessAdapter) readLoop(conn *frameConn) {
	for {
		f, err := conn.readFrame()
		if err != nil {
			a.teardown()
			return
		}
		if f.Kind == kindPong {
			select {
			case a.pongCh <- struct{}{}:
			default:
			}
			continue
		}
		a.mu.Lock()
		ch, ok := a.pending[f.CorrelationID]
		a.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

// Ping sends a liveness probe and reports whether the subprocess answered
// within pingTimeout. A false result means the caller should Close and let
// the next Call respawn.
func (a *SubprocessAdapter) Ping(ctx context.Context) bool {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return false
	}
	if err := conn.writeFrame(wireFrame{Kind: kindPing}); err != nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	select {
	case <-a.pongCh:
		return true
	case <-pingCtx.Done():
		return false
	}
}

func (a *SubprocessAdapter) teardown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pipe.kill != nil {
		_ = a.pipe.kill()
	}
	a.conn = nil
	a.pipe = pipePair{}
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
}

// Close tears the subprocess down; a subsequent Call respawns it.
func (a *SubprocessAdapter) Close() error {
	a.teardown()
	return nil
}
