package compare

import (
	"context"
	"iter"
	"log/slog"
	"net"
	"slices"
	"strings"
	"testing"
	"time"

	"CompareChat/internal/backend"
	"CompareChat/internal/session"

	"github.com/stretchr/testify/require"
)

// fakeGenerator yields fixed fragments, optionally waiting before each one
type fakeGenerator struct {
	name      string
	fragments []string
	delays    []time.Duration
	messages  chan []session.Message
	stopped   chan struct{}
}

func (f *fakeGenerator) Name() string {
	return f.name
}

func (f *fakeGenerator) StreamGeneration(ctx context.Context, messages []session.Message, _ backend.Params) iter.Seq[string] {
	if f.messages != nil {
		f.messages <- messages
	}
	return func(yield func(string) bool) {
		if f.stopped != nil {
			defer close(f.stopped)
		}
		for i, fragment := range f.fragments {
			if i < len(f.delays) && f.delays[i] > 0 {
				select {
				case <-time.After(f.delays[i]):
				case <-ctx.Done():
					yield(backend.ErrorFragment(ctx.Err()))
					return
				}
			}
			if !yield(fragment) {
				return
			}
		}
	}
}

// blockingGenerator yields one fragment and then waits for its context to end
type blockingGenerator struct {
	name    string
	stopped chan struct{}
}

func (b *blockingGenerator) Name() string {
	return b.name
}

func (b *blockingGenerator) StreamGeneration(ctx context.Context, _ []session.Message, _ backend.Params) iter.Seq[string] {
	return func(yield func(string) bool) {
		defer close(b.stopped)
		if !yield("first") {
			return
		}
		<-ctx.Done()
		yield(backend.ErrorFragment(ctx.Err()))
	}
}

func collectTicks(t *testing.T, seq iter.Seq[Tick]) []Tick {
	t.Helper()
	done := make(chan []Tick, 1)
	go func() {
		done <- slices.Collect(seq)
	}()
	select {
	case ticks := <-done:
		return ticks
	case <-time.After(5 * time.Second):
		t.Fatal("aggregation did not terminate")
		return nil
	}
}

func TestAggregate_Liveness(t *testing.T) {
	fast := &fakeGenerator{name: "fast", fragments: []string{"Hi", "!"}}
	slow := &fakeGenerator{
		name:      "slow",
		fragments: []string{"Hel", "lo"},
		delays:    []time.Duration{0, 200 * time.Millisecond},
	}

	ticks := collectTicks(t, Aggregate(context.Background(), fast, slow, Request{
		Message: "hello",
		Params:  backend.DefaultParams(),
	}))

	found := false
	for _, tick := range ticks {
		if tick.Left.Answer() == "Hi!" && tick.Right.Answer() == "Hel" {
			found = true
			break
		}
	}
	require.True(t, found, "fast backend was held back by the slow one")

	last := ticks[len(ticks)-1]
	require.True(t, last.Done)
	require.Equal(t, "Hello", last.Right.Answer())
}

func TestAggregate_Termination(t *testing.T) {
	left := &fakeGenerator{name: "before", fragments: []string{"A civil ", "wrong."}}
	right := &fakeGenerator{name: "after", fragments: []string{"A tort is ", "a civil wrong."}}

	ticks := collectTicks(t, Aggregate(context.Background(), left, right, Request{
		Message: "What is a tort?",
		Params:  backend.DefaultParams(),
	}))

	require.NotEmpty(t, ticks)
	for _, tick := range ticks[:len(ticks)-1] {
		require.False(t, tick.Done)
	}

	last := ticks[len(ticks)-1]
	require.True(t, last.Done)
	require.Equal(t, StateCompleted, last.Left.State)
	require.Equal(t, StateCompleted, last.Right.State)
	require.Equal(t, "before", last.Left.Backend)
	require.Equal(t, "after", last.Right.Backend)
	require.Equal(t, []session.Message{
		{Role: session.RoleUser, Content: "What is a tort?"},
		{Role: session.RoleAssistant, Content: "A civil wrong."},
	}, last.Left.Messages)
	require.Equal(t, "A tort is a civil wrong.", last.Right.Answer())
}

func TestAggregate_AnswersGrowMonotonically(t *testing.T) {
	left := &fakeGenerator{name: "l", fragments: []string{"a", "b", "c", "d"}}
	right := &fakeGenerator{name: "r", fragments: []string{"1", "2"}}

	ticks := collectTicks(t, Aggregate(context.Background(), left, right, Request{Message: "m"}))

	prevLeft, prevRight := "", ""
	for _, tick := range ticks {
		require.True(t, strings.HasPrefix(tick.Left.Answer(), prevLeft))
		require.True(t, strings.HasPrefix(tick.Right.Answer(), prevRight))
		require.LessOrEqual(t, len(tick.Left.Answer())-len(prevLeft), 1, "more than one fragment applied in one tick")
		require.LessOrEqual(t, len(tick.Right.Answer())-len(prevRight), 1, "more than one fragment applied in one tick")
		prevLeft, prevRight = tick.Left.Answer(), tick.Right.Answer()
	}
	require.Equal(t, "abcd", prevLeft)
	require.Equal(t, "12", prevRight)
}

// gatedGenerator does not yield until gate is closed
type gatedGenerator struct {
	name string
	gate chan struct{}
}

func (g *gatedGenerator) Name() string {
	return g.name
}

func (g *gatedGenerator) StreamGeneration(ctx context.Context, _ []session.Message, _ backend.Params) iter.Seq[string] {
	return func(yield func(string) bool) {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return
		}
		yield("left done")
	}
}

// openingGenerator closes gate once it starts streaming
type openingGenerator struct {
	name string
	gate chan struct{}
}

func (o *openingGenerator) Name() string {
	return o.name
}

func (o *openingGenerator) StreamGeneration(_ context.Context, _ []session.Message, _ backend.Params) iter.Seq[string] {
	return func(yield func(string) bool) {
		close(o.gate)
		yield("right done")
	}
}

func TestAggregate_StreamsConcurrently(t *testing.T) {
	gate := make(chan struct{})
	left := &gatedGenerator{name: "left", gate: gate}
	right := &openingGenerator{name: "right", gate: gate}

	ticks := collectTicks(t, Aggregate(context.Background(), left, right, Request{Message: "m"}))

	last := ticks[len(ticks)-1]
	require.Equal(t, "left done", last.Left.Answer())
	require.Equal(t, "right done", last.Right.Answer())
}

func TestAggregate_SendsEachHistory(t *testing.T) {
	left := &fakeGenerator{name: "l", fragments: []string{"x"}, messages: make(chan []session.Message, 1)}
	right := &fakeGenerator{name: "r", fragments: []string{"y"}, messages: make(chan []session.Message, 1)}

	leftHistory := []session.Message{
		{Role: session.RoleUser, Content: "q1"},
		{Role: session.RoleAssistant, Content: "left a1"},
	}
	rightHistory := []session.Message{
		{Role: session.RoleUser, Content: "q1"},
		{Role: session.RoleAssistant, Content: "right a1"},
		{Role: session.RoleUser, Content: "dangling"},
	}

	ticks := collectTicks(t, Aggregate(context.Background(), left, right, Request{
		Message:      "q2",
		LeftHistory:  leftHistory,
		RightHistory: rightHistory,
	}))

	require.Equal(t, append(slices.Clone(leftHistory), session.Message{Role: session.RoleUser, Content: "q2"}), <-left.messages)
	require.Equal(t, []session.Message{
		{Role: session.RoleUser, Content: "q1"},
		{Role: session.RoleAssistant, Content: "right a1"},
		{Role: session.RoleUser, Content: "q2"},
	}, <-right.messages)

	last := ticks[len(ticks)-1]
	require.Len(t, last.Left.Messages, 4)
	require.Len(t, last.Right.Messages, 4)
	require.Equal(t, "y", last.Right.Answer())
}

func TestAggregate_OneBackendDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	down, err := backend.NewClient(backend.Endpoint{Name: "down", ServerURL: "http://" + addr, Model: "m"}, slog.Default())
	require.NoError(t, err)
	up := &fakeGenerator{name: "up", fragments: []string{"still ", "here"}}

	ticks := collectTicks(t, Aggregate(context.Background(), down, up, Request{
		Message: "hi",
		Params:  backend.DefaultParams(),
	}))

	last := ticks[len(ticks)-1]
	require.True(t, last.Done)
	require.Equal(t, StateCompleted, last.Left.State)
	require.True(t, strings.HasPrefix(last.Left.Answer(), "error: "), last.Left.Answer())
	require.Equal(t, StateCompleted, last.Right.State)
	require.Equal(t, "still here", last.Right.Answer())
}

func TestAggregate_AbandonReleasesStreams(t *testing.T) {
	left := &blockingGenerator{name: "l", stopped: make(chan struct{})}
	right := &blockingGenerator{name: "r", stopped: make(chan struct{})}

	for range Aggregate(context.Background(), left, right, Request{Message: "m"}) {
		break
	}

	for _, stopped := range []chan struct{}{left.stopped, right.stopped} {
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Fatal("stream still running after the consumer stopped")
		}
	}
}

func TestAggregate_ContextCancel(t *testing.T) {
	left := &blockingGenerator{name: "l", stopped: make(chan struct{})}
	right := &blockingGenerator{name: "r", stopped: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	var ticks []Tick
	for tick := range Aggregate(ctx, left, right, Request{Message: "m"}) {
		ticks = append(ticks, tick)
		cancel()
	}

	require.NotEmpty(t, ticks)
	for _, tick := range ticks {
		require.False(t, tick.Done)
	}
	<-left.stopped
	<-right.stopped
}

func TestAggregate_EmptyStreams(t *testing.T) {
	left := &fakeGenerator{name: "l"}
	right := &fakeGenerator{name: "r"}

	ticks := collectTicks(t, Aggregate(context.Background(), left, right, Request{Message: "m"}))

	last := ticks[len(ticks)-1]
	require.True(t, last.Done)
	require.Equal(t, "", last.Left.Answer())
	require.Equal(t, StateCompleted, last.Right.State)
}
