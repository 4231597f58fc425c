package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultInboxSize = 256

// Broadcaster fans events out from a single dispatcher goroutine.
// Publish order is preserved for every sink and subscriber. Sinks are called
// synchronously by the dispatcher and must not publish back into the broadcaster.
// A subscriber whose buffer is full is disconnected, its channel closed,
// instead of stalling the dispatcher; it never sees a gap in the stream.
type Broadcaster struct {
	in   chan Event
	done chan struct{}
	exit chan struct{}
	once sync.Once
	log  zerolog.Logger

	mu      sync.Mutex
	sinks   []Publisher
	subs    map[int]chan Event
	nextSub int
	evicted uint64
}

// NewBroadcaster starts the dispatcher.
func NewBroadcaster(log zerolog.Logger, sinks ...Publisher) *Broadcaster {
	b := &Broadcaster{
		in:    make(chan Event, defaultInboxSize),
		done:  make(chan struct{}),
		exit:  make(chan struct{}),
		log:   log,
		sinks: append([]Publisher(nil), sinks...),
		subs:  make(map[int]chan Event),
	}
	go b.run()
	return b
}

// Publish enqueues e for dispatch. After Close it is a no-op.
func (b *Broadcaster) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.in <- e:
	case <-b.done:
	}
}

// AddSink registers a synchronous sink.
func (b *Broadcaster) AddSink(p Publisher) {
	if p == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, p)
	b.mu.Unlock()
}

// Subscribe returns a buffered channel receiving every subsequent event and a
// cancel func that unregisters and closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Evicted reports how many subscribers were disconnected for falling behind.
func (b *Broadcaster) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Close flushes queued events, stops the dispatcher and closes all subscriptions.
func (b *Broadcaster) Close() {
	b.once.Do(func() {
		close(b.done)
		<-b.exit
		b.mu.Lock()
		for id, c := range b.subs {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) run() {
	defer close(b.exit)
	for {
		select {
		case e := <-b.in:
			b.dispatch(e)
		case <-b.done:
			for {
				select {
				case e := <-b.in:
					b.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Broadcaster) dispatch(e Event) {
	b.mu.Lock()
	sinks := b.sinks
	for id, c := range b.subs {
		select {
		case c <- e:
		default:
			delete(b.subs, id)
			close(c)
			b.evicted++
			b.log.Warn().Str("event", "subscriber_evicted").Int("sub", id).Str("kind", string(e.Kind)).Msg("disconnecting slow subscriber")
		}
	}
	b.mu.Unlock()
	for _, s := range sinks {
		s.Publish(e)
	}
}
