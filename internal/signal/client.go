package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by calls made after signal-cli has exited.
var ErrClosed = errors.New("signal-cli subprocess exited")

type rpcResponse struct {
	Result json.RawMessage
	Error  *rpcError
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcLine is any line signal-cli writes: a response when ID is set, a
// notification otherwise.
type rpcLine struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// Target addresses a reply: a direct conversation or a group.
type Target struct {
	Recipient string
	GroupID   string
}

// TargetOf returns the conversation an envelope came from.
func TargetOf(env *Envelope) Target {
	if env.DataMessage != nil && env.DataMessage.GroupInfo != nil {
		return Target{Recipient: env.Source, GroupID: env.DataMessage.GroupInfo.GroupID}
	}
	return Target{Recipient: env.Source}
}

func (t Target) params() map[string]any {
	if t.GroupID != "" {
		return map[string]any{"groupId": t.GroupID}
	}
	return map[string]any{"recipient": []string{t.Recipient}}
}

// ClientConfig configures the signal-cli subprocess.
type ClientConfig struct {
	Command string
	Args    []string
	// AttachmentDir is signal-cli's attachment store. Empty means
	// ~/.local/share/signal-cli/attachments.
	AttachmentDir string
	Logger        *slog.Logger
}

// Client talks to signal-cli in jsonRpc mode over its stdin and stdout.
// Responses are matched to requests by ID; received data messages are
// delivered on [Client.Messages].
type Client struct {
	command       string
	args          []string
	attachmentDir string
	logger        *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	nextID  atomic.Int64
	mu      sync.Mutex // guards pending and stdin writes
	pending map[int64]chan rpcResponse

	messages chan *Envelope
	done     chan struct{}
	waitErr  chan error
}

// NewClient creates a client. Call [Client.Start] to launch signal-cli.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := cfg.AttachmentDir
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share", "signal-cli", "attachments")
		}
	}
	return &Client{
		command:       cfg.Command,
		args:          cfg.Args,
		attachmentDir: dir,
		logger:        logger.With("component", "signal-cli"),
		pending:       make(map[int64]chan rpcResponse),
		messages:      make(chan *Envelope, 64),
		done:          make(chan struct{}),
		waitErr:       make(chan error, 1),
	}
}

// Start launches signal-cli. It must be called exactly once.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start signal-cli: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.reader = bufio.NewReaderSize(stdout, 1<<20)

	go c.logStderr(stderr)
	go c.readLoop()
	go func() {
		err := cmd.Wait()
		if err != nil {
			c.logger.Error("signal-cli exited with error", "error", err)
		} else {
			c.logger.Info("signal-cli exited")
		}
		c.waitErr <- err
	}()

	c.logger.Info("signal-cli started", "command", c.command, "pid", cmd.Process.Pid)
	return nil
}

// Messages returns received data messages. The channel is closed when
// signal-cli exits.
func (c *Client) Messages() <-chan *Envelope {
	return c.messages
}

// Send sends a text message and returns its server timestamp.
func (c *Client) Send(ctx context.Context, to Target, message string) (int64, error) {
	params := to.params()
	params["message"] = message
	raw, err := c.call(ctx, "send", params)
	if err != nil {
		return 0, fmt.Errorf("signal send: %w", err)
	}

	var result sendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("decode send result: %w", err)
	}
	return result.Timestamp, nil
}

// SendReceipt marks a received message as read.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp int64) error {
	_, err := c.call(ctx, "sendReceipt", map[string]any{
		"recipient":       recipient,
		"targetTimestamp": timestamp,
		"type":            "read",
	})
	if err != nil {
		return fmt.Errorf("signal sendReceipt: %w", err)
	}
	return nil
}

// SendTyping starts or stops the typing indicator.
func (c *Client) SendTyping(ctx context.Context, to Target, stop bool) error {
	params := to.params()
	if stop {
		params["stop"] = true
	}
	if _, err := c.call(ctx, "sendTyping", params); err != nil {
		return fmt.Errorf("signal sendTyping: %w", err)
	}
	return nil
}

// ReadAttachment reads a received attachment from signal-cli's store.
// At most limit+1 bytes are read so an oversized file can be detected
// without loading it.
func (c *Client) ReadAttachment(att Attachment, limit int64) ([]byte, error) {
	if att.ID == "" || filepath.Base(att.ID) != att.ID {
		return nil, fmt.Errorf("invalid attachment id %q", att.ID)
	}
	f, err := os.Open(filepath.Join(c.attachmentDir, att.ID))
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return data, nil
}

// Ping asks signal-cli for its version.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "version", nil)
	return err
}

// Close closes signal-cli's stdin and waits for it to exit, killing it
// after five seconds.
func (c *Client) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if c.stdin != nil {
		c.stdin.Close()
	}

	select {
	case err := <-c.waitErr:
		return err
	case <-time.After(5 * time.Second):
		c.logger.Warn("signal-cli did not exit, killing", "pid", c.cmd.Process.Pid)
		_ = c.cmd.Process.Kill()
		<-c.waitErr
		return nil
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.mu.Lock()
	c.pending[id] = ch
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write to signal-cli: %w", err)
	}
	c.mu.Unlock()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// readLoop routes each stdout line to its waiting caller or, for
// receive notifications carrying a data message, to Messages.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				c.logger.Error("signal-cli read error", "error", err)
			}
			c.failPending()
			return
		}

		var msg rpcLine
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Debug("signal-cli non-JSON line", "line", string(line))
			continue
		}

		switch {
		case msg.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- rpcResponse{Result: msg.Result, Error: msg.Error}
			} else {
				c.logger.Debug("signal-cli response for unknown id", "id", *msg.ID)
			}

		case msg.Method == "receive":
			var n receiveNotification
			if err := json.Unmarshal(msg.Params, &n); err != nil {
				c.logger.Warn("signal-cli malformed receive notification", "error", err)
				continue
			}
			if n.Envelope.DataMessage == nil {
				continue
			}
			select {
			case c.messages <- &n.Envelope:
			default:
				c.logger.Warn("signal message queue full, dropping message", "sender", n.Envelope.Source)
			}

		default:
			c.logger.Debug("signal-cli unhandled notification", "method", msg.Method)
		}
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcResponse{Error: &rpcError{Code: -1, Message: "subprocess exited"}}
		delete(c.pending, id)
	}
}

func (c *Client) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("signal-cli stderr", "line", scanner.Text())
	}
}
