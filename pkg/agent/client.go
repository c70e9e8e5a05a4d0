package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	direrr "github.com/fleetops/director/pkg/errors"
	"github.com/fleetops/director/pkg/guid"
)

const (
	defaultTimeout      = 45 * time.Second
	defaultPollInterval = time.Second
	pingTick            = time.Second
)

var ErrTimeout = errors.New("timed out waiting for agent")

// IsTimeout is true when the agent didn't answer in time, as opposed
// to answering with an error.
func IsTimeout(err error) bool {
	return errors.Cause(err) == ErrTimeout
}

// Conn sends a request and decodes the reply. *nats.EncodedConn with
// the JSON encoder is one.
type Conn interface {
	Request(subject string, v interface{}, vPtr interface{}, timeout time.Duration) error
}

type ClientConfig struct {
	// How long to wait for each reply
	Timeout time.Duration
	// How often to ask after a running task
	PollInterval time.Duration
	Clock        clockwork.Clock
	Logger       log.Logger
}

// Client talks to one agent.
type Client struct {
	conn    Conn
	agentID string
	config  ClientConfig
	logger  log.Logger
}

func NewClient(conn Conn, agentID string, config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = log.NewNopLogger()
	}
	return &Client{
		conn:    conn,
		agentID: agentID,
		config:  config,
		logger:  log.With(config.Logger, "agent", agentID),
	}
}

func (c *Client) AgentID() string {
	return c.agentID
}

func (c *Client) Ping(ctx context.Context) error {
	var pong string
	return c.call(ctx, MethodPing, nil, &pong)
}

// WaitUntilReady pings until the agent answers, for at most timeout.
func (c *Client) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	deadline := c.config.Clock.After(timeout)
	for {
		err := c.Ping(ctx)
		if err == nil || !IsTimeout(err) {
			return err
		}
		select {
		case <-c.config.Clock.After(pingTick):
		case <-deadline:
			return errors.Wrapf(ErrTimeout, "agent %s not ready after %s", c.agentID, timeout)
		case <-ctx.Done():
			return direrr.CancelledError(ctx.Err())
		}
	}
}

func (c *Client) CompilePackage(ctx context.Context, args CompilePackageArgs) (*CompileResult, error) {
	var result CompileResult
	if err := c.longRunning(ctx, MethodCompilePackage, args.arguments(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) CompilePackageWithSignedURL(ctx context.Context, req SignedURLRequest) (*CompileResult, error) {
	if req.Dependencies == nil {
		req.Dependencies = map[string]DependencySpec{}
	}
	var result CompileResult
	if err := c.longRunning(ctx, MethodCompilePackageWithSignedURL, []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelTask asks the agent to stop a running task. It does not wait
// for the task to stop.
func (c *Client) CancelTask(taskID string) error {
	var ok string
	return c.call(context.Background(), MethodCancelTask, []interface{}{taskID}, &ok)
}

// longRunning starts a task and polls it until it finishes, checking
// ctx on every poll. Cancelling ctx cancels the task on the agent.
func (c *Client) longRunning(ctx context.Context, method string, args []interface{}, result interface{}) error {
	var value json.RawMessage
	if err := c.call(ctx, method, args, &value); err != nil {
		return err
	}
	for {
		var state TaskState
		if err := json.Unmarshal(value, &state); err != nil || state.State != StateRunning {
			if err := json.Unmarshal(value, result); err != nil {
				return errors.Wrapf(err, "decoding %s result", method)
			}
			return nil
		}
		select {
		case <-c.config.Clock.After(c.config.PollInterval):
		case <-ctx.Done():
			c.abandon(state.AgentTaskID)
			return direrr.CancelledError(ctx.Err())
		}
		value = nil
		if err := c.call(ctx, MethodGetTask, []interface{}{state.AgentTaskID}, &value); err != nil {
			if direrr.IsCancelled(err) {
				c.abandon(state.AgentTaskID)
			}
			return err
		}
	}
}

func (c *Client) abandon(taskID string) {
	if err := c.CancelTask(taskID); err != nil {
		c.logger.Log("err", errors.Wrap(err, "cancelling task"), "task", taskID)
	}
}

func (c *Client) call(ctx context.Context, method string, args []interface{}, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return direrr.CancelledError(err)
	}
	if args == nil {
		args = []interface{}{}
	}
	req := Request{
		Method:    method,
		Arguments: args,
		ReplyTo:   "director." + guid.New(),
	}
	var resp Response
	if err := c.conn.Request(Subject(c.agentID), req, &resp, c.config.Timeout); err != nil {
		if err == nats.ErrTimeout {
			err = ErrTimeout
		}
		return errors.Wrapf(err, "sending %s to agent %s", method, c.agentID)
	}
	if resp.Exception != nil {
		return &TaskError{AgentID: c.agentID, Method: method, Message: resp.Exception.Message}
	}
	if len(resp.Value) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(resp.Value, value), "decoding %s reply", method)
}
