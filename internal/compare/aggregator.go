package compare

import (
	"context"
	"iter"

	"CompareChat/internal/backend"
	"CompareChat/internal/session"

	"golang.org/x/sync/errgroup"
)

const fragmentBuffer = 64

// Request is one user message sent to both backends
type Request struct {
	Message      string
	LeftHistory  []session.Message
	RightHistory []session.Message
	Params       backend.Params
}

// Tick is one combined observation of both streams
type Tick struct {
	Left  Snapshot `json:"left"`
	Right Snapshot `json:"right"`
	Done  bool     `json:"done"`
}

// lane couples a stream with the channel its fragments arrive on.
// ch is nil once the stream is exhausted, which disables its select case.
type lane struct {
	ctx    context.Context
	stream *Stream
	ch     <-chan string
}

func (l *lane) take(fragment string, ok bool) {
	if !ok {
		l.stream.finish(l.ctx)
		l.ch = nil
		return
	}
	l.stream.Apply(fragment)
}

// poll applies at most one fragment if one is ready, without waiting
func (l *lane) poll() {
	if l.ch == nil {
		return
	}
	select {
	case fragment, ok := <-l.ch:
		l.take(fragment, ok)
	default:
	}
}

// Aggregate sends the request to both generators at once and yields a Tick each time
// either side makes progress. Each tick applies at most one fragment per side; a side
// that has finished keeps its last snapshot while the other continues. The final tick
// has Done set and both snapshots in a terminal state.
//
// Stopping the iteration early, or cancelling ctx, cancels both backend requests.
func Aggregate(ctx context.Context, left, right Generator, req Request) iter.Seq[Tick] {
	return func(yield func(Tick) bool) {
		ctx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(ctx)
		defer func() {
			cancel()
			_ = g.Wait()
		}()

		a := &lane{ctx: ctx, stream: NewStream(left.Name(), session.Decode(req.LeftHistory), req.Message)}
		b := &lane{ctx: ctx, stream: NewStream(right.Name(), session.Decode(req.RightHistory), req.Message)}
		a.ch = pump(gctx, g, left.StreamGeneration(gctx, a.stream.Messages(), req.Params))
		b.ch = pump(gctx, g, right.StreamGeneration(gctx, b.stream.Messages(), req.Params))

		tick := func(done bool) Tick {
			return Tick{Left: a.stream.Snapshot(), Right: b.stream.Snapshot(), Done: done}
		}

		for a.ch != nil || b.ch != nil {
			select {
			case fragment, ok := <-a.ch:
				a.take(fragment, ok)
				b.poll()
			case fragment, ok := <-b.ch:
				b.take(fragment, ok)
				a.poll()
			case <-ctx.Done():
				a.stream.Abort()
				b.stream.Abort()
				return
			}
			if a.ch == nil && b.ch == nil {
				break
			}
			if !yield(tick(false)) {
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		yield(tick(true))
	}
}

// pump drains fragments into a channel on its own goroutine and closes it when the
// sequence ends.
func pump(ctx context.Context, g *errgroup.Group, fragments iter.Seq[string]) <-chan string {
	ch := make(chan string, fragmentBuffer)
	g.Go(func() error {
		defer close(ch)
		for fragment := range fragments {
			select {
			case ch <- fragment:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	return ch
}
