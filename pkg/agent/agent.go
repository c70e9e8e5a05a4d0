package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/fleetops/director/pkg/guid"
)

// Handler does the work behind the agent protocol. Compiles run in
// the background; their ctx is cancelled by cancel_task.
type Handler interface {
	CompilePackage(ctx context.Context, args CompilePackageArgs) (*CompileResult, error)
	CompilePackageWithSignedURL(ctx context.Context, req SignedURLRequest) (*CompileResult, error)
}

type task struct {
	done   chan struct{}
	value  interface{}
	err    error
	cancel context.CancelFunc
}

// Agent answers requests on behalf of a Handler, keeping track of the
// tasks it has started.
type Agent struct {
	handler Handler
	logger  log.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

func New(h Handler, logger log.Logger) *Agent {
	return &Agent{
		handler: h,
		logger:  logger,
		tasks:   map[string]*task{},
	}
}

// incoming is a Request as the agent sees it; arguments are decoded
// once the method is known.
type incoming struct {
	Method    string            `json:"method"`
	Arguments []json.RawMessage `json:"arguments"`
	ReplyTo   string            `json:"reply_to"`
}

// Serve handles one request and returns the reply.
func (a *Agent) Serve(req incoming) Response {
	var (
		value interface{}
		err   error
	)
	switch req.Method {
	case MethodPing:
		value = "pong"
	case MethodGetTask:
		var id string
		if err = decodeArgs(req.Arguments, &id); err == nil {
			value, err = a.getTask(id)
		}
	case MethodCancelTask:
		var id string
		if err = decodeArgs(req.Arguments, &id); err == nil {
			value, err = a.cancelTask(id)
		}
	case MethodCompilePackage:
		var args CompilePackageArgs
		if err = decodeArgs(req.Arguments, &args.BlobstoreID, &args.SHA1, &args.Name, &args.Version, &args.Dependencies); err == nil {
			value = a.start(func(ctx context.Context) (interface{}, error) {
				return a.handler.CompilePackage(ctx, args)
			})
		}
	case MethodCompilePackageWithSignedURL:
		var signed SignedURLRequest
		if err = decodeArgs(req.Arguments, &signed); err == nil {
			value = a.start(func(ctx context.Context) (interface{}, error) {
				return a.handler.CompilePackageWithSignedURL(ctx, signed)
			})
		}
	default:
		err = errors.Errorf("unknown message %s", req.Method)
	}
	return makeResponse(value, err)
}

func (a *Agent) start(f func(context.Context) (interface{}, error)) TaskState {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{done: make(chan struct{}), cancel: cancel}
	id := guid.New()

	a.mu.Lock()
	a.tasks[id] = t
	a.mu.Unlock()

	go func() {
		defer close(t.done)
		defer cancel()
		t.value, t.err = f(ctx)
	}()
	return TaskState{AgentTaskID: id, State: StateRunning}
}

// getTask reports a running task as such; a finished one is
// forgotten once its outcome has been collected.
func (a *Agent) getTask(id string) (interface{}, error) {
	a.mu.Lock()
	t, ok := a.tasks[id]
	a.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("unknown task %s", id)
	}
	select {
	case <-t.done:
	default:
		return TaskState{AgentTaskID: id, State: StateRunning}, nil
	}
	a.mu.Lock()
	delete(a.tasks, id)
	a.mu.Unlock()
	return t.value, t.err
}

func (a *Agent) cancelTask(id string) (interface{}, error) {
	a.mu.Lock()
	t, ok := a.tasks[id]
	a.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("unknown task %s", id)
	}
	t.cancel()
	return "canceled", nil
}

func decodeArgs(raw []json.RawMessage, into ...interface{}) error {
	if len(raw) != len(into) {
		return errors.Errorf("expected %d arguments, got %d", len(into), len(raw))
	}
	for i := range into {
		if err := json.Unmarshal(raw[i], into[i]); err != nil {
			return errors.Wrapf(err, "decoding argument %d", i)
		}
	}
	return nil
}

func makeResponse(value interface{}, err error) Response {
	if err != nil {
		return Response{Exception: &Exception{Message: err.Error()}}
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return Response{Exception: &Exception{Message: err.Error()}}
	}
	return Response{Value: bytes}
}

// Subscribe serves requests for agentID from NATS until done is
// closed.
func Subscribe(conn *nats.Conn, agentID string, a *Agent, done <-chan struct{}) error {
	requests := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe(Subject(agentID), requests)
	if err != nil {
		return errors.Wrapf(err, "subscribing to %s", Subject(agentID))
	}
	defer sub.Unsubscribe()

	for {
		select {
		case msg := <-requests:
			var req incoming
			var resp Response
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				resp = makeResponse(nil, errors.Wrap(err, "decoding request"))
			} else {
				resp = a.Serve(req)
			}
			bytes, err := json.Marshal(resp)
			if err == nil {
				err = conn.Publish(msg.Reply, bytes)
			}
			if err != nil {
				a.logger.Log("err", errors.Wrap(err, "replying"), "method", req.Method)
			}
		case <-done:
			return nil
		}
	}
}
