package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	CallID  string
	Result  string
	IsError bool
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
}

func (s *recordingSender) SendFunctionResult(callID, result string, isError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{callID, result, isError})
	return nil
}

func (s *recordingSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

func TestDispatch_RegisteredHandler(t *testing.T) {
	reg := NewRegistry()
	var got Call
	reg.RegisterHandler("send_to_nested", ExecutorFunc(func(_ context.Context, c Call) (string, error) {
		got = c
		return "ok", nil
	}))
	sender := &recordingSender{}
	var recorded []Result
	d := NewDispatcher(reg, sender, Config{ConversationID: "conv-1", OnResult: func(_ Call, r Result) { recorded = append(recorded, r) }})

	res, ok := d.Dispatch(context.Background(), "fc-1", "send_to_nested", `{"text":"hello"}`)
	require.True(t, ok)
	assert.Equal(t, Result{CallID: "fc-1", Output: "ok"}, res)
	assert.Equal(t, []sent{{"fc-1", "ok", false}}, sender.all())
	assert.Equal(t, "hello", got.Text())
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Len(t, recorded, 1)
	assert.Zero(t, d.Pending())
}

type outcomeObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeObserver) FunctionCallCompleted(_, outcome string) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *outcomeObserver) all() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes...)
}

func TestDispatch_UnknownFunction(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(NewRegistry(), sender, Config{})

	_, ok := d.Dispatch(context.Background(), "fc-2", "does_not_exist", `{}`)
	require.True(t, ok)
	assert.Equal(t, []sent{{"fc-2", "unknown function: does_not_exist", true}}, sender.all())
}

func TestDispatch_HandlerFailuresAreGeneric(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterHandler("boom", ExecutorFunc(func(context.Context, Call) (string, error) {
		return "", errors.New("db password is hunter2")
	}))
	reg.RegisterHandler("panics", ExecutorFunc(func(context.Context, Call) (string, error) {
		panic("nil map")
	}))
	sender := &recordingSender{}
	d := NewDispatcher(reg, sender, Config{})

	d.Dispatch(context.Background(), "fc-1", "boom", `{}`)
	d.Dispatch(context.Background(), "fc-2", "panics", `{}`)
	d.Dispatch(context.Background(), "fc-3", "boom", `{not json`)

	assert.Equal(t, []sent{
		{"fc-1", "function execution failed", true},
		{"fc-2", "function execution failed", true},
		{"fc-3", "invalid function arguments", true},
	}, sender.all())
}

func TestDispatch_ExactlyOnePerCall(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterHandler("echo", ExecutorFunc(func(_ context.Context, c Call) (string, error) {
		return c.Text(), nil
	}))
	sender := &recordingSender{}
	d := NewDispatcher(reg, sender, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for dup := 0; dup < 3; dup++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				name := "echo"
				if i%4 == 0 {
					name = "missing"
				}
				d.Dispatch(context.Background(), fmt.Sprintf("fc-%d", i), name, fmt.Sprintf(`{"text":"%d"}`, i))
			}(i)
		}
	}
	wg.Wait()

	counts := map[string]int{}
	for _, s := range sender.all() {
		counts[s.CallID]++
	}
	require.Len(t, counts, 20)
	for id, n := range counts {
		assert.Equal(t, 1, n, id)
	}

	// A late duplicate is ignored too.
	_, ok := d.Dispatch(context.Background(), "fc-1", "echo", `{}`)
	assert.False(t, ok)
	assert.Len(t, sender.all(), 20)
}

func TestAbandon_AnswersOutstandingCallsOnce(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{})
	reg.RegisterHandler("slow", ExecutorFunc(func(ctx context.Context, _ Call) (string, error) {
		close(started)
		<-ctx.Done()
		return "too late", nil
	}))
	sender := &recordingSender{}
	obs := &outcomeObserver{}
	d := NewDispatcher(reg, sender, Config{Observer: obs})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		_, ok := d.Dispatch(ctx, "fc-1", "slow", `{}`)
		done <- ok
	}()
	<-started
	assert.Equal(t, 1, d.Pending())
	assert.Equal(t, 1, d.Abandon("session not active"))
	assert.Zero(t, d.Pending())

	// The executor's own result has no outstanding call left.
	cancel()
	assert.False(t, <-done)
	assert.Equal(t, []sent{{"fc-1", "session not active", true}}, sender.all())
	assert.Equal(t, []string{OutcomeRejected}, obs.all())
	assert.Zero(t, d.Abandon("again"))
}

func TestReject(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(NewRegistry(), sender, Config{})
	_, ok := d.Reject("fc-1", "send_to_nested", "session not active")
	require.True(t, ok)
	_, ok = d.Reject("fc-1", "send_to_nested", "session not active")
	assert.False(t, ok)
	assert.Equal(t, []sent{{"fc-1", "session not active", true}}, sender.all())
}

func TestRegistryNames(t *testing.T) {
	reg := NewRegistry()
	noop := ExecutorFunc(func(context.Context, Call) (string, error) { return "", nil })
	reg.RegisterHandler("b", noop)
	reg.RegisterHandler("a", noop)
	assert.Equal(t, []string{"a", "b"}, reg.Names())
	_, ok := reg.Lookup("c")
	assert.False(t, ok)
}
