package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// wireRequest is one line sent to a worker's stdin.
type wireRequest struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	Text        string          `json:"text,omitempty"`
	VoiceSample string          `json:"voice_sample,omitempty"`
	Options     *wireSynthOpts  `json:"options,omitempty"`
	ImagePath   string          `json:"image_path,omitempty"`
	Context     *wireCaptionCtx `json:"context,omitempty"`
}

type wireSynthOpts struct {
	Exaggeration float64 `json:"exaggeration"`
	CFGWeight    float64 `json:"cfg_weight"`
	Temperature  float64 `json:"temperature"`
}

type wireCaptionCtx struct {
	PageNumber int    `json:"page_number,omitempty"`
	Position   string `json:"position,omitempty"`
	ImageIndex int    `json:"image_index"`
}

// wireResponse is one line read from a worker's stdout.
type wireResponse struct {
	Type     string  `json:"type"`
	ID       string  `json:"id,omitempty"`
	Path     string  `json:"path,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Caption  string  `json:"caption,omitempty"`
	Percent  int     `json:"percent,omitempty"`
	Code     string  `json:"code,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// WorkerOptions configure a subprocess worker.
type WorkerOptions struct {
	Name           string
	Command        string
	StartupTimeout time.Duration
	RequestTimeout time.Duration
	ShutdownGrace  time.Duration
	OnProgress     func(percent int, message string)
}

// Worker owns one long-lived inference subprocess. The process is started
// lazily on first submit and kept alive across sessions; Close tears it
// down with a shutdown request, escalating to a kill after a grace period.
// Exactly one request is in flight at a time.
type Worker struct {
	opts WorkerOptions
	cmd  []string
	log  *slog.Logger

	mu      sync.Mutex
	proc    *exec.Cmd
	stdin   io.WriteCloser
	replies chan wireResponse
	exited  chan struct{}
}

func NewWorker(opts WorkerOptions, log *slog.Logger) (*Worker, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", opts.Name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command empty", opts.Name)
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 2 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	return &Worker{
		opts: opts,
		cmd:  args,
		log:  log.With(slog.String("component", opts.Name+"-worker")),
	}, nil
}

// Submit performs one request/response exchange. The worker processes one
// request at a time; callers queue on the internal mutex.
func (w *Worker) Submit(ctx context.Context, req wireRequest) (wireResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureStarted(); err != nil {
		return wireResponse{}, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return wireResponse{}, fmt.Errorf("encode %s request: %w", w.opts.Name, err)
	}
	if _, err := w.stdin.Write(append(data, '\n')); err != nil {
		w.terminate()
		return wireResponse{}, newError(CodeEngineError, "write to %s worker: %v", w.opts.Name, err)
	}

	timeout := time.NewTimer(w.opts.RequestTimeout)
	defer timeout.Stop()

	for {
		select {
		case resp, ok := <-w.replies:
			if !ok {
				w.reset()
				return wireResponse{}, newError(CodeEngineError, "%s worker closed its output", w.opts.Name)
			}
			if resp.ID != req.ID {
				// stale reply from an abandoned request
				continue
			}
			if resp.Type == "error" {
				return wireResponse{}, &Error{Code: normalizeCode(resp.Code), Message: resp.Message}
			}
			return resp, nil
		case <-w.exited:
			w.reset()
			return wireResponse{}, newError(CodeEngineError, "%s worker exited mid-request", w.opts.Name)
		case <-ctx.Done():
			return wireResponse{}, ctx.Err()
		case <-timeout.C:
			w.terminate()
			return wireResponse{}, newError(CodeEngineError, "%s worker unresponsive after %s", w.opts.Name, w.opts.RequestTimeout)
		}
	}
}

// ensureStarted launches the subprocess and waits for its ready handshake.
// Callers hold w.mu.
func (w *Worker) ensureStarted() error {
	if w.proc != nil {
		return nil
	}

	cmd := exec.Command(w.cmd[0], w.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", ErrUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s worker: %v", ErrUnavailable, w.opts.Name, err)
	}

	replies := make(chan wireResponse, 8)
	exited := make(chan struct{})

	go w.forwardStderr(stderr)
	go w.readResponses(cmd, stdout, replies, exited)

	startup := time.NewTimer(w.opts.StartupTimeout)
	defer startup.Stop()

	for {
		select {
		case resp, ok := <-replies:
			if !ok {
				return fmt.Errorf("%w: %s worker closed output before ready", ErrUnavailable, w.opts.Name)
			}
			switch resp.Type {
			case "ready":
				w.proc = cmd
				w.stdin = stdin
				w.replies = replies
				w.exited = exited
				w.log.Info("worker ready")
				return nil
			case "error":
				cmd.Process.Kill()
				return fmt.Errorf("%w: %s", ErrUnavailable, resp.Message)
			default:
				// discard anything sent before the handshake
			}
		case <-exited:
			return fmt.Errorf("%w: %s worker exited during startup", ErrUnavailable, w.opts.Name)
		case <-startup.C:
			cmd.Process.Kill()
			return fmt.Errorf("%w: %s worker not ready after %s", ErrUnavailable, w.opts.Name, w.opts.StartupTimeout)
		}
	}
}

func (w *Worker) readResponses(cmd *exec.Cmd, stdout io.Reader, replies chan wireResponse, exited chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp wireResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			w.log.Warn("discarding malformed worker output", slog.String("error", err.Error()))
			continue
		}
		if resp.Type == "progress" {
			if w.opts.OnProgress != nil {
				w.opts.OnProgress(resp.Percent, resp.Message)
			}
			continue
		}
		select {
		case replies <- resp:
		default:
			w.log.Warn("dropping unconsumed worker response", slog.String("type", resp.Type))
		}
	}
	cmd.Wait()
	close(exited)
}

func (w *Worker) forwardStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		w.log.Debug("worker stderr", slog.String("line", scanner.Text()))
	}
}

// terminate hard-kills the process. Callers hold w.mu.
func (w *Worker) terminate() {
	if w.proc != nil && w.proc.Process != nil {
		w.proc.Process.Kill()
		<-w.exited
	}
	w.reset()
}

// reset forgets a dead process so the next Submit attempts a fresh start.
// Callers hold w.mu.
func (w *Worker) reset() {
	w.proc = nil
	w.stdin = nil
	w.replies = nil
	w.exited = nil
}

// Close sends the clean shutdown request and waits for the process to exit,
// killing it after the grace period. Safe to call whether or not a process
// is running.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.proc == nil {
		return
	}

	shutdown, _ := json.Marshal(wireRequest{Type: "shutdown"})
	if _, err := w.stdin.Write(append(shutdown, '\n')); err == nil {
		select {
		case <-w.exited:
			w.log.Info("worker exited cleanly")
			w.reset()
			return
		case <-time.After(w.opts.ShutdownGrace):
			w.log.Warn("worker did not exit within grace period, killing")
		}
	}
	w.terminate()
}
