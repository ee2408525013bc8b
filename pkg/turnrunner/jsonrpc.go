package turnrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// errDisconnected marks an RPC call that never got a response because the
// child's stdout pipe closed (the child exited or the stream otherwise
// dropped) rather than timing out normally.
var errDisconnected = errors.New("turnrunner: child disconnected")

// rpcClassifiedError wraps a call() failure whose RPC error message matched
// the rate-limit or disconnect markers, carrying the Status (and, for rate
// limits, the parsed Retry-After) RunTurn should report instead of
// StatusFailed.
type rpcClassifiedError struct {
	status     Status
	retryAfter time.Duration
	err        error
}

func (e *rpcClassifiedError) Error() string { return e.err.Error() }
func (e *rpcClassifiedError) Unwrap() error { return e.err }

// rpcRequest is a line-delimited JSON-RPC request.
type rpcRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// rpcMessage is either a response (has ID) or a server-initiated notification
// (no ID, has Method).
type rpcMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSONRPCRunner drives a long-lived child speaking the line-delimited
// protocol: thread/start, thread/resume, turn/start, turn/interrupt,
// with server notifications turn/started, turn/completed,
// item/agentMessage/delta, item/completed, item/commandExecution/outputDelta.
// A pending-request table guarded by a mutex tracks in-flight RPC calls.
type JSONRPCRunner struct {
	Command func() *exec.Cmd

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	nextID  int64
	pending map[int64]chan rpcMessage
	notify  chan rpcMessage
	closed  chan struct{}
}

// NewJSONRPCRunner returns a Runner that launches its child lazily on first
// RunTurn and keeps it alive across turns (resume-by-threadId).
func NewJSONRPCRunner(command func() *exec.Cmd) *JSONRPCRunner {
	return &JSONRPCRunner{
		Command: command,
		pending: make(map[int64]chan rpcMessage),
		notify:  make(chan rpcMessage, 64),
		closed:  make(chan struct{}),
	}
}

func (r *JSONRPCRunner) ensureStarted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return nil
	}
	cmd := r.Command()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	r.cmd = cmd
	r.stdin = stdin
	go r.readLoop(stdout)
	return nil
}

// readLoop drains the child's stdout until it closes, then closes r.closed
// so any in-flight call() and RunTurn select can report StatusDisconnected
// instead of hanging until their own timeouts fire.
func (r *JSONRPCRunner) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var msg rpcMessage
		if json.Unmarshal(sc.Bytes(), &msg) != nil {
			continue
		}
		if msg.Method != "" {
			select {
			case r.notify <- msg:
			default:
			}
			continue
		}
		r.mu.Lock()
		ch, ok := r.pending[msg.ID]
		if ok {
			delete(r.pending, msg.ID)
		}
		r.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
	close(r.closed)
}

func (r *JSONRPCRunner) call(method string, params any) (rpcMessage, error) {
	id := atomic.AddInt64(&r.nextID, 1)
	ch := make(chan rpcMessage, 1)

	r.mu.Lock()
	r.pending[id] = ch
	enc := json.NewEncoder(r.stdin)
	req := rpcRequest{ID: id, Method: method, Params: params}
	err := enc.Encode(req)
	r.mu.Unlock()
	if err != nil {
		return rpcMessage{}, fmt.Errorf("turnrunner: write %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			if status, retryAfter, ok := classifyFailure(msg.Error.Message); ok {
				return msg, &rpcClassifiedError{status: status, retryAfter: retryAfter, err: fmt.Errorf("turnrunner: %s: %s", method, msg.Error.Message)}
			}
			return msg, fmt.Errorf("turnrunner: %s: %s", method, msg.Error.Message)
		}
		return msg, nil
	case <-r.closed:
		return rpcMessage{}, errDisconnected
	case <-time.After(30 * time.Second):
		return rpcMessage{}, fmt.Errorf("turnrunner: %s: no response", method)
	}
}

// callFailure turns a call() error into the Result RunTurn should return:
// errDisconnected and rpcClassifiedError map to their matching Status, any
// other error falls back to StatusFailed.
func callFailure(threadID string, err error) Result {
	if errors.Is(err, errDisconnected) {
		return Result{ThreadID: threadID, Status: StatusDisconnected, Err: err}
	}
	var classified *rpcClassifiedError
	if errors.As(err, &classified) {
		return Result{ThreadID: threadID, Status: classified.status, RetryAfter: classified.retryAfter, Err: err}
	}
	return Result{ThreadID: threadID, Status: StatusFailed, Err: err}
}

func (r *JSONRPCRunner) RunTurn(ctx context.Context, req Request, watch Watch) Result {
	if err := r.ensureStarted(); err != nil {
		return Result{Status: StatusFailed, Err: err}
	}

	threadID := req.ThreadID
	if threadID == "" {
		resp, err := r.call("thread/start", map[string]any{})
		if err != nil {
			return callFailure("", err)
		}
		threadID = extractThreadID(resp.Result)
	} else {
		if _, err := r.call("thread/resume", map[string]any{"threadId": threadID}); err != nil {
			return callFailure(threadID, err)
		}
	}

	turnResp, err := r.call("turn/start", map[string]any{
		"threadId":      threadID,
		"input":         req.Prompt,
		"cwd":           req.WorkDir,
		"sandboxPolicy": "default",
		"outputSchema":  req.OutputSchemaRef,
	})
	if err != nil {
		return callFailure(threadID, err)
	}
	turnID := extractTurnID(turnResp.Result)

	var deadline <-chan time.Time
	if !watch.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(watch.Deadline))
		defer timer.Stop()
		deadline = timer.C
	}

	var finalMessage string
	for {
		select {
		case msg := <-r.notify:
			switch msg.Method {
			case "turn/started":
				// The authoritative turn id; the turn/start response's
				// turnId (if any) is only a fallback until this arrives.
				if id := extractStartedTurnID(msg.Params); id != "" {
					turnID = id
				}
			case "item/agentMessage/delta", "item/commandExecution/outputDelta":
				// streamed to the operator pane only; no state to persist.
			case "item/completed":
				if text, ok := extractItemText(msg.Params); ok {
					finalMessage = text
				}
			case "turn/completed":
				status, errMsg := extractTurnStatus(msg.Params)
				if status == "failed" {
					if cstatus, retryAfter, ok := classifyFailure(errMsg); ok {
						return Result{ThreadID: threadID, Status: cstatus, RetryAfter: retryAfter, Err: fmt.Errorf("turn failed: %s", errMsg)}
					}
					return Result{ThreadID: threadID, Status: StatusFailed, Err: fmt.Errorf("turn failed: %s", errMsg)}
				}
				if err := os.WriteFile(req.OutputPath, []byte(finalMessage), 0o644); err != nil {
					return Result{ThreadID: threadID, Status: StatusFailed, Err: err}
				}
				return Result{ThreadID: threadID, OutputPath: req.OutputPath, Status: StatusCompleted}
			}

		case <-r.closed:
			return Result{ThreadID: threadID, Status: StatusDisconnected, Err: errDisconnected}

		case <-watch.Superseded:
			_, _ = r.call("turn/interrupt", map[string]any{"threadId": threadID, "turnId": turnID})
			return Result{ThreadID: threadID, Status: StatusSuperseded}

		case <-deadline:
			_, _ = r.call("turn/interrupt", map[string]any{"threadId": threadID, "turnId": turnID})
			return Result{ThreadID: threadID, Status: StatusTimedOut}

		case <-ctx.Done():
			_, _ = r.call("turn/interrupt", map[string]any{"threadId": threadID, "turnId": turnID})
			return Result{ThreadID: threadID, Status: StatusFailed, Err: ctx.Err()}
		}
	}
}

func extractThreadID(raw json.RawMessage) string {
	var v struct {
		ThreadID string `json:"threadId"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.ThreadID
}

func extractTurnID(raw json.RawMessage) string {
	var v struct {
		TurnID string `json:"turnId"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.TurnID
}

func extractStartedTurnID(raw json.RawMessage) string {
	var v struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.Turn.ID
}

func extractTurnStatus(raw json.RawMessage) (string, string) {
	var v struct {
		Turn struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"turn"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.Turn.Status, v.Turn.Error
}

func extractItemText(raw json.RawMessage) (string, bool) {
	var v struct {
		Item struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"item"`
	}
	if json.Unmarshal(raw, &v) != nil {
		return "", false
	}
	return v.Item.Text, v.Item.Text != ""
}

// Close terminates the long-lived child, if one was started.
func (r *JSONRPCRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	r.stdin.Close()
	return r.cmd.Process.Kill()
}
