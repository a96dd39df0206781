package eventbus

import (
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskpilot/pkg/logx"
)

// Bookkeeping events. They reach subscribers but never enter the history.
const (
	EventSubscribed     = "eventbus.subscribed"
	EventUnsubscribed   = "eventbus.unsubscribed"
	EventHistoryCleared = "eventbus.history-cleared"
)

const (
	DefaultHistorySize  = 1000
	DefaultHistoryLimit = 50
)

// Event is one published occurrence.
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// Handler reacts to an event. A returned error or a panic is logged for
// that subscriber only.
type Handler func(ev Event) error

// Predicate gates a conditional subscription.
type Predicate func(ev Event) bool

// Message is one entry of PublishMany.
type Message struct {
	Name    string
	Payload any
}

type Config struct {
	HistorySize int
	// ExcludePrefixes lists event-name prefixes kept out of the history.
	// nil means ["eventbus."].
	ExcludePrefixes []string
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
	pred    Predicate
	onStop  func()
}

// Bus is the in-process publish/subscribe hub with a bounded event history.
type Bus struct {
	log     logx.Logger
	size    int
	exclude []string

	seq atomic.Uint64

	mu   sync.RWMutex
	subs map[string][]*subscription

	histMu  sync.Mutex
	history []Event

	tapMu sync.RWMutex
	taps  map[uint64]chan Event

	timerMu sync.Mutex
	timers  map[uint64]*time.Timer
	closed  bool
}

func New(cfg Config, log logx.Logger) *Bus {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.ExcludePrefixes == nil {
		cfg.ExcludePrefixes = []string{"eventbus."}
	}
	return &Bus{
		log:     log,
		size:    cfg.HistorySize,
		exclude: cfg.ExcludePrefixes,
		subs:    map[string][]*subscription{},
		taps:    map[uint64]chan Event{},
		timers:  map[uint64]*time.Timer{},
	}
}

// Publish delivers payload synchronously to every subscriber of name, in
// registration order. Subscriber failures never reach the caller.
func (b *Bus) Publish(name string, payload any) {
	b.PublishFrom(name, payload, "")
}

// PublishFrom is Publish with a provenance tag.
func (b *Bus) PublishFrom(name string, payload any, source string) {
	if b.isClosed() {
		return
	}
	ev := b.newEvent(name, payload, source)
	b.record(ev)
	b.deliver(ev)
}

// PublishMany publishes each message in order.
func (b *Bus) PublishMany(msgs []Message) {
	for _, m := range msgs {
		b.Publish(m.Name, m.Payload)
	}
}

// PublishAfter publishes once after delay. Pending publishes are dropped by Close.
func (b *Bus) PublishAfter(name string, payload any, delay time.Duration) {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	if b.closed {
		return
	}
	id := b.seq.Add(1)
	b.timers[id] = time.AfterFunc(delay, func() {
		b.timerMu.Lock()
		_, ok := b.timers[id]
		delete(b.timers, id)
		b.timerMu.Unlock()
		if ok {
			b.Publish(name, payload)
		}
	})
}

// Ingest is the webhook path. Map payloads are copied and tagged with
// _source and _timestamp; other payloads are wrapped under "value". The event
// is recorded before Ingest returns, subscribers run on another goroutine.
func (b *Bus) Ingest(name string, payload any, source string) Event {
	if source == "" {
		source = "webhook"
	}
	now := time.Now()
	tagged := map[string]any{}
	switch p := payload.(type) {
	case nil:
	case map[string]any:
		for k, v := range p {
			tagged[k] = v
		}
	default:
		tagged["value"] = p
	}
	tagged["_source"] = source
	tagged["_timestamp"] = now.UTC().Format(time.RFC3339Nano)

	ev := b.newEvent(name, tagged, source)
	ev.Timestamp = now
	if b.isClosed() {
		return ev
	}
	b.record(ev)
	go b.deliver(ev)
	return ev
}

func (b *Bus) newEvent(name string, payload any, source string) Event {
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    source,
	}
}

func (b *Bus) excluded(name string) bool {
	for _, p := range b.exclude {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (b *Bus) record(ev Event) {
	if b.excluded(ev.Name) {
		return
	}
	b.histMu.Lock()
	b.history = append(b.history, ev)
	if over := len(b.history) - b.size; over > 0 {
		copy(b.history, b.history[over:])
		clear(b.history[len(b.history)-over:])
		b.history = b.history[:len(b.history)-over]
	}
	b.histMu.Unlock()
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[ev.Name]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s, ev)
	}
	b.fanout(ev)
}

func (b *Bus) invoke(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked",
				logx.String("event", ev.Name),
				logx.Uint64("subscriber", s.id),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	if s.pred != nil && !s.pred(ev) {
		return
	}
	if err := s.handler(ev); err != nil {
		b.log.Warn("subscriber failed",
			logx.String("event", ev.Name),
			logx.Uint64("subscriber", s.id),
			logx.Err(err),
		)
	}
}

// Subscribe registers handler for name and returns its unsubscribe func.
func (b *Bus) Subscribe(name string, handler Handler) func() {
	return b.add(&subscription{name: name, handler: handler})
}

// SubscribeConditional only invokes handler when pred accepts the event.
func (b *Bus) SubscribeConditional(name string, pred Predicate, handler Handler) func() {
	return b.add(&subscription{name: name, handler: handler, pred: pred})
}

// SubscribeDebounced invokes handler once per quiescent burst, delay after
// the last event, with the last event of the burst.
func (b *Bus) SubscribeDebounced(name string, handler Handler, delay time.Duration) func() {
	var (
		mu      sync.Mutex
		timer   *time.Timer
		last    Event
		stopped bool
	)
	s := &subscription{name: name}
	s.handler = func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return nil
		}
		last = ev
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(delay, func() {
			mu.Lock()
			if stopped {
				mu.Unlock()
				return
			}
			ev := last
			timer = nil
			mu.Unlock()
			if b.isClosed() {
				return
			}
			b.invoke(&subscription{id: s.id, name: name, handler: handler}, ev)
		})
		return nil
	}
	s.onStop = func() {
		mu.Lock()
		stopped = true
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		mu.Unlock()
	}
	return b.add(s)
}

func (b *Bus) add(s *subscription) func() {
	if s.handler == nil {
		return func() {}
	}
	s.id = b.seq.Add(1)

	b.mu.Lock()
	b.subs[s.name] = append(b.subs[s.name], s)
	n := len(b.subs[s.name])
	b.mu.Unlock()

	b.log.Debug("subscriber added", logx.String("event", s.name), logx.Int("subscribers", n))
	b.Publish(EventSubscribed, map[string]any{"event": s.name, "subscribers": n})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(s) })
	}
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	list := b.subs[s.name]
	for i, cur := range list {
		if cur.id == s.id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, s.name)
	} else {
		b.subs[s.name] = list
	}
	n := len(list)
	b.mu.Unlock()

	if s.onStop != nil {
		s.onStop()
	}
	b.Publish(EventUnsubscribed, map[string]any{"event": s.name, "subscribers": n})
}

// SubscriberCount returns how many subscribers name has.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// History returns recorded events newest first. An empty filter matches all
// names; limit <= 0 means DefaultHistoryLimit.
func (b *Bus) History(filter string, limit int) []Event {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()

	out := make([]Event, 0, min(limit, len(b.history)))
	for i := len(b.history) - 1; i >= 0 && len(out) < limit; i-- {
		if filter == "" || b.history[i].Name == filter {
			out = append(out, b.history[i])
		}
	}
	return out
}

// Stats summarizes the current history.
type Stats struct {
	TotalEvents  int            `json:"totalEvents"`
	UniqueEvents int            `json:"uniqueEvents"`
	EventCounts  map[string]int `json:"eventCounts"`
	Oldest       *time.Time     `json:"oldestEvent"`
	Newest       *time.Time     `json:"newestEvent"`
	Subscribers  map[string]int `json:"subscribers"`
}

func (b *Bus) Stats() Stats {
	st := Stats{EventCounts: map[string]int{}, Subscribers: map[string]int{}}

	b.histMu.Lock()
	st.TotalEvents = len(b.history)
	for _, ev := range b.history {
		st.EventCounts[ev.Name]++
	}
	if n := len(b.history); n > 0 {
		oldest, newest := b.history[0].Timestamp, b.history[n-1].Timestamp
		st.Oldest, st.Newest = &oldest, &newest
	}
	b.histMu.Unlock()
	st.UniqueEvents = len(st.EventCounts)

	b.mu.RLock()
	for name, list := range b.subs {
		st.Subscribers[name] = len(list)
	}
	b.mu.RUnlock()
	return st
}

type ActiveEvent struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

// ActiveEvents lists event names that currently have subscribers, by name.
func (b *Bus) ActiveEvents() []ActiveEvent {
	b.mu.RLock()
	out := make([]ActiveEvent, 0, len(b.subs))
	for name, list := range b.subs {
		out = append(out, ActiveEvent{Name: name, Subscribers: len(list)})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ClearHistory drops the history and returns how many events it held.
func (b *Bus) ClearHistory() int {
	b.histMu.Lock()
	n := len(b.history)
	b.history = nil
	b.histMu.Unlock()
	b.Publish(EventHistoryCleared, map[string]any{"cleared": n})
	return n
}

// Tap returns a channel that receives every delivered event. Delivery is
// non-blocking: a full tap drops events.
func (b *Bus) Tap(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.tapMu.Lock()
	b.taps[id] = ch
	b.tapMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.tapMu.Lock()
			delete(b.taps, id)
			close(ch)
			b.tapMu.Unlock()
		})
	}
}

func (b *Bus) fanout(ev Event) {
	b.tapMu.RLock()
	defer b.tapMu.RUnlock()
	for _, ch := range b.taps {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close cancels pending delayed publishes and debounce timers. Later
// publishes are no-ops.
func (b *Bus) Close() {
	b.timerMu.Lock()
	if b.closed {
		b.timerMu.Unlock()
		return
	}
	b.closed = true
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	b.timerMu.Unlock()

	var stops []func()
	b.mu.RLock()
	for _, list := range b.subs {
		for _, s := range list {
			if s.onStop != nil {
				stops = append(stops, s.onStop)
			}
		}
	}
	b.mu.RUnlock()
	for _, stop := range stops {
		stop()
	}
	b.log.Debug("event bus closed")
}

func (b *Bus) isClosed() bool {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	return b.closed
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Name, e.ID)
}
