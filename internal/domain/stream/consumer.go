package stream

import (
	"bufio"
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/paperscope/backend/internal/shared/id"
)

// Target identifies what a Consumer should be connected to.
type Target struct {
	Endpoint   string
	Parameters url.Values
}

// Equal compares targets structurally: same endpoint, same parameter
// keys, same values element-wise in order.
func (t Target) Equal(other Target) bool {
	if t.Endpoint != other.Endpoint {
		return false
	}
	if len(t.Parameters) != len(other.Parameters) {
		return false
	}
	for key, values := range t.Parameters {
		otherValues, ok := other.Parameters[key]
		if !ok || len(values) != len(otherValues) {
			return false
		}
		for i, v := range values {
			if otherValues[i] != v {
				return false
			}
		}
	}
	return true
}

func (t Target) clone() Target {
	params := make(url.Values, len(t.Parameters))
	for key, values := range t.Parameters {
		params[key] = append([]string(nil), values...)
	}
	return Target{Endpoint: t.Endpoint, Parameters: params}
}

// queryString serializes parameters; list values repeat the key once per
// element, in order.
func (t Target) queryString() string {
	return t.Parameters.Encode()
}

// Status is the consumer lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusStreaming  Status = "streaming"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Terminal reports whether no further messages will be accepted until a
// reset or a new target.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Callbacks are observation hooks for view adapters and the workspace
// manager. All are optional and invoked without the consumer lock held.
type Callbacks struct {
	// OnStatus fires on every lifecycle transition.
	OnStatus func(Status)
	// OnMessage fires for every accepted message, in arrival order.
	OnMessage func(Message)
	// OnComplete fires at most once per connection attempt, on any
	// transition into StatusComplete.
	OnComplete func()
}

// Consumer owns exactly one logical streaming connection at a time. It
// accumulates decoded messages in arrival order and exposes a lifecycle
// status. Switching targets always tears down the previous connection
// before the next one produces a message, so two parameter sets can
// never interleave into the same message list.
//
// Transport terminations that arrive without a protocol-level complete
// or error message are treated as benign end-of-stream: many SSE
// transports end a finite stream with a generic failure event, and the
// protocol's own messages are the only authoritative signal.
type Consumer struct {
	mu         sync.Mutex
	client     *resty.Client
	logger     *zap.Logger
	callbacks  Callbacks
	status     Status
	messages   []Message
	errText    string
	target     *Target
	enabled    bool
	generation uint64
	cancel     context.CancelFunc
	completed  bool // Completion callback fired for the current attempt
}

// NewConsumer creates an idle, enabled consumer. A nil client gets a
// fresh resty client with no overall timeout (streams are long-lived).
func NewConsumer(client *resty.Client, logger *zap.Logger) *Consumer {
	if client == nil {
		client = resty.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		client:  client,
		logger:  logger,
		status:  StatusIdle,
		enabled: true,
	}
}

// SetCallbacks installs observation hooks. Call before Bind.
func (c *Consumer) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = cb
}

// SetEnabled toggles the consumer. Disabling synchronously tears down
// any open connection and returns to idle; re-enabling does nothing
// until the next Bind.
func (c *Consumer) SetEnabled(enabled bool) {
	c.mu.Lock()
	if c.enabled == enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = enabled
	if enabled {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	notify := c.callbacks.OnStatus
	c.mu.Unlock()
	if notify != nil {
		notify(StatusIdle)
	}
}

// Bind points the consumer at a target. If the consumer is enabled and
// the target differs structurally from the bound one, the previous
// connection is closed, accumulated state is cleared, and a new
// connection attempt starts. Re-binding the same target is a no-op.
func (c *Consumer) Bind(target Target) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	if c.target != nil && c.target.Equal(target) {
		c.mu.Unlock()
		return
	}

	c.closeConnLocked()
	c.generation++
	gen := c.generation

	bound := target.clone()
	c.target = &bound
	c.messages = nil
	c.errText = ""
	c.completed = false
	c.status = StatusConnecting

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	notify := c.callbacks.OnStatus
	c.mu.Unlock()

	if notify != nil {
		notify(StatusConnecting)
	}
	go c.run(ctx, bound, gen)
}

// Reset closes any open connection, clears messages and error state,
// and returns to idle. Safe to call repeatedly and from teardown paths.
func (c *Consumer) Reset() {
	c.mu.Lock()
	wasIdle := c.status == StatusIdle && c.target == nil
	c.resetLocked()
	notify := c.callbacks.OnStatus
	c.mu.Unlock()
	if !wasIdle && notify != nil {
		notify(StatusIdle)
	}
}

func (c *Consumer) resetLocked() {
	c.closeConnLocked()
	c.generation++
	c.target = nil
	c.messages = nil
	c.errText = ""
	c.completed = false
	c.status = StatusIdle
}

// closeConnLocked cancels the in-flight connection, if any.
func (c *Consumer) closeConnLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Status returns the current lifecycle state.
func (c *Consumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the surfaced error text, empty unless status is error.
func (c *Consumer) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errText
}

// Messages returns a copy of the accumulated messages in arrival order.
func (c *Consumer) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Content concatenates the content fragments in arrival order.
func (c *Consumer) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for _, msg := range c.messages {
		if msg.Type == TypeContent {
			sb.WriteString(msg.Content)
		}
	}
	return sb.String()
}

// Snapshot returns status, messages, and error text in one consistent read.
func (c *Consumer) Snapshot() (Status, []Message, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return c.status, out, c.errText
}

// run owns one connection attempt. gen ties every state mutation back to
// the attempt that produced it; a stale goroutine whose generation no
// longer matches mutates nothing.
func (c *Consumer) run(ctx context.Context, target Target, gen uint64) {
	requestURL := target.Endpoint
	if qs := target.queryString(); qs != "" {
		requestURL += "?" + qs
	}

	attempt := id.NewAttemptID()
	logger := c.logger.With(
		zap.String("attempt_id", attempt.String()),
		zap.String("endpoint", target.Endpoint),
	)
	logger.Debug("opening stream")

	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache").
		Get(requestURL)
	if err != nil {
		// Connection-level failure with no protocol signal: benign end.
		logger.Debug("stream connect failed", zap.Error(err))
		c.finish(gen, StatusComplete)
		return
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != 200 {
		logger.Warn("stream endpoint returned non-200", zap.Int("status", resp.StatusCode()))
		c.finish(gen, StatusComplete)
		return
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(data) > 0 {
				payload := strings.Join(data, "\n")
				data = data[:0]
				if c.dispatch(gen, payload) {
					return
				}
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(value, " "))
		}
		// event:, id: and retry: fields carry nothing we use
	}

	// EOF or read failure without a terminal message: benign end.
	c.finish(gen, StatusComplete)
}

// dispatch decodes and applies one event payload. It reports whether the
// attempt reached a terminal state.
func (c *Consumer) dispatch(gen uint64, payload string) bool {
	msg := Decode([]byte(payload))

	switch msg.Type {
	case TypeComplete:
		c.finish(gen, StatusComplete)
		return true

	case TypeError:
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return true
		}
		c.closeConnLocked()
		c.errText = msg.Text
		c.messages = append(c.messages, msg)
		c.status = StatusError
		onStatus := c.callbacks.OnStatus
		onMessage := c.callbacks.OnMessage
		c.mu.Unlock()

		if onMessage != nil {
			onMessage(msg)
		}
		if onStatus != nil {
			onStatus(StatusError)
		}
		return true

	default:
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return true
		}
		c.messages = append(c.messages, msg)
		transitioned := c.status == StatusConnecting
		if transitioned {
			c.status = StatusStreaming
		}
		onStatus := c.callbacks.OnStatus
		onMessage := c.callbacks.OnMessage
		c.mu.Unlock()

		if transitioned && onStatus != nil {
			onStatus(StatusStreaming)
		}
		if onMessage != nil {
			onMessage(msg)
		}
		return false
	}
}

// finish moves the attempt into a terminal state. The completion
// callback fires at most once per attempt, on any transition into
// StatusComplete, so downstream loading/title propagation does not
// depend on the server emitting an explicit complete message.
func (c *Consumer) finish(gen uint64, status Status) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.closeConnLocked()
	c.status = status
	fireComplete := status == StatusComplete && !c.completed
	if fireComplete {
		c.completed = true
	}
	onStatus := c.callbacks.OnStatus
	onComplete := c.callbacks.OnComplete
	c.mu.Unlock()

	if onStatus != nil {
		onStatus(status)
	}
	if fireComplete && onComplete != nil {
		onComplete()
	}
}
