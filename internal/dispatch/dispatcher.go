package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Results sent upstream. Handler failure detail never leaves the process.
const (
	msgExecutionFailed  = "function execution failed"
	msgInvalidArguments = "invalid function arguments"
)

// Result answers exactly one Call.
type Result struct {
	CallID  string
	Output  string
	IsError bool
}

// ResultSender delivers results to the remote model.
type ResultSender interface {
	SendFunctionResult(callID, result string, isError bool) error
}

// Observer is notified of every answered call.
type Observer interface {
	FunctionCallCompleted(name, outcome string)
}

// Outcomes reported to the observer.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeUnknown  = "unknown"
	OutcomeInvalid  = "invalid_arguments"
	OutcomeRejected = "rejected"
)

type Config struct {
	ConversationID string
	// Timeout bounds a single executor call. Zero means no limit beyond the
	// caller's context.
	Timeout  time.Duration
	Logger   *zap.Logger
	Observer Observer
	// OnResult is called after a result has been handed to the sender.
	OnResult func(Call, Result)
}

// Dispatcher routes one session's function calls to the registry and makes
// sure each call is answered exactly once.
type Dispatcher struct {
	reg    *Registry
	sender ResultSender
	cfg    Config
	log    *zap.Logger

	mu       sync.Mutex
	pending  map[string]Call
	answered map[string]struct{}
}

func NewDispatcher(reg *Registry, sender ResultSender, cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		reg:      reg,
		sender:   sender,
		cfg:      cfg,
		log:      log.With(zap.String("component", "dispatch")),
		pending:  make(map[string]Call),
		answered: make(map[string]struct{}),
	}
}

// Dispatch runs the named function and sends its result. It reports false
// when callID was already seen, in which case nothing is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, callID, name, arguments string) (Result, bool) {
	call, ok := d.begin(callID, name, arguments)
	if !ok {
		d.log.Warn("duplicate function call ignored", zap.String("call_id", callID), zap.String("name", name))
		return Result{}, false
	}

	ex, found := d.reg.Lookup(name)
	if !found {
		return d.finish(call, Result{CallID: callID, Output: fmt.Sprintf("%v: %s", ErrUnknownFunction, name), IsError: true}, OutcomeUnknown)
	}
	args, err := parseArguments(arguments)
	if err != nil {
		d.log.Info("bad function arguments", zap.String("call_id", callID), zap.String("name", name), zap.Error(err))
		return d.finish(call, Result{CallID: callID, Output: msgInvalidArguments, IsError: true}, OutcomeInvalid)
	}
	call.Arguments = args

	out, err := d.execute(ctx, ex, call)
	if err != nil {
		d.log.Warn("function call failed", zap.String("call_id", callID), zap.String("name", name), zap.Error(err))
		return d.finish(call, Result{CallID: callID, Output: msgExecutionFailed, IsError: true}, OutcomeError)
	}
	return d.finish(call, Result{CallID: callID, Output: out}, OutcomeOK)
}

// Reject answers a call without running it.
func (d *Dispatcher) Reject(callID, name, reason string) (Result, bool) {
	call, ok := d.begin(callID, name, "")
	if !ok {
		return Result{}, false
	}
	return d.finish(call, Result{CallID: callID, Output: reason, IsError: true}, OutcomeRejected)
}

// Abandon answers every outstanding call with reason. Executor results that
// arrive afterwards have no matching call and are dropped.
func (d *Dispatcher) Abandon(reason string) int {
	d.mu.Lock()
	calls := make([]Call, 0, len(d.pending))
	for _, call := range d.pending {
		calls = append(calls, call)
	}
	d.mu.Unlock()

	n := 0
	for _, call := range calls {
		if _, ok := d.finish(call, Result{CallID: call.ID, Output: reason, IsError: true}, OutcomeRejected); ok {
			n++
		}
	}
	return n
}

// Pending reports calls that have not been answered yet.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) begin(callID, name, arguments string) (Call, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[callID]; ok {
		return Call{}, false
	}
	if _, ok := d.answered[callID]; ok {
		return Call{}, false
	}
	call := Call{ID: callID, Name: name, RawArguments: arguments, ConversationID: d.cfg.ConversationID}
	d.pending[callID] = call
	return call, true
}

func (d *Dispatcher) finish(call Call, res Result, outcome string) (Result, bool) {
	d.mu.Lock()
	if _, ok := d.pending[call.ID]; !ok {
		d.mu.Unlock()
		return Result{}, false
	}
	delete(d.pending, call.ID)
	d.answered[call.ID] = struct{}{}
	d.mu.Unlock()

	if err := d.sender.SendFunctionResult(res.CallID, res.Output, res.IsError); err != nil {
		d.log.Warn("function result not delivered", zap.String("call_id", res.CallID), zap.Error(err))
	}
	if d.cfg.Observer != nil {
		d.cfg.Observer.FunctionCallCompleted(call.Name, outcome)
	}
	if d.cfg.OnResult != nil {
		d.cfg.OnResult(call, res)
	}
	return res, true
}

func (d *Dispatcher) execute(ctx context.Context, ex Executor, call Call) (out string, err error) {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return ex.Execute(ctx, call)
}

func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
