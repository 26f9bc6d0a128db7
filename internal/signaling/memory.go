package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/1ureka/1ureka.net.call/internal/util"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps every channel in process memory. It backs the signald
// server and the loopback/test setups; both peers must share the one
// instance for signaling to work.
type MemoryStore struct {
	mu       sync.Mutex
	channels map[string]*memChannel
}

type memChannel struct {
	record     CallRecord
	candidates map[Role][]json.RawMessage
	recordSubs map[int]*pump
	candSubs   map[Role]map[int]*pump
	nextSubID  int
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{channels: make(map[string]*memChannel)}
}

func (m *MemoryStore) CreateChannel(ctx context.Context, offer SessionDescription, createdBy string) (string, error) {
	id := util.NewCallID()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[id] = &memChannel{
		record: CallRecord{
			ID:        id,
			Offer:     offer,
			CreatedBy: createdBy,
			CreatedAt: time.Now().UTC(),
		},
		candidates: make(map[Role][]json.RawMessage),
		recordSubs: make(map[int]*pump),
		candSubs: map[Role]map[int]*pump{
			RoleCaller: make(map[int]*pump),
			RoleCallee: make(map[int]*pump),
		},
	}
	return id, nil
}

func (m *MemoryStore) GetChannel(ctx context.Context, channelID string) (*CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch.record.Clone(), nil
}

func (m *MemoryStore) SetAnswer(ctx context.Context, channelID string, answer SessionDescription, answeredBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return ErrChannelNotFound
	}
	if ch.record.Answer != nil {
		return ErrAlreadyAnswered
	}

	a := answer
	ch.record.Answer = &a
	ch.record.AnsweredBy = answeredBy

	for _, sub := range ch.recordSubs {
		rec := ch.record.Clone()
		sub.push(func(deliver *pump) { deliver.onRecord(rec) })
	}
	return nil
}

func (m *MemoryStore) WatchChannel(ctx context.Context, channelID string, onUpdate func(*CallRecord)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}

	id := ch.nextSubID
	ch.nextSubID++
	sub := newPump()
	sub.onRecord = onUpdate
	ch.recordSubs[id] = sub

	// Catch-up: an already-answered record is delivered right away.
	if ch.record.Answered() {
		rec := ch.record.Clone()
		sub.push(func(deliver *pump) { deliver.onRecord(rec) })
	}

	stop := func() {
		m.mu.Lock()
		if ch, ok := m.channels[channelID]; ok {
			delete(ch.recordSubs, id)
		}
		m.mu.Unlock()
		sub.stop()
	}
	return stop, nil
}

func (m *MemoryStore) AppendCandidate(ctx context.Context, channelID string, role Role, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return ErrChannelNotFound
	}

	// Writers may mutate their buffer after the call; keep our own copy.
	p := append(json.RawMessage(nil), payload...)
	ch.candidates[role] = append(ch.candidates[role], p)

	for _, sub := range ch.candSubs[role] {
		sub.push(func(deliver *pump) { deliver.onCandidate(p) })
	}
	return nil
}

func (m *MemoryStore) WatchCandidates(ctx context.Context, channelID string, role Role, onCandidate func(json.RawMessage)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}

	id := ch.nextSubID
	ch.nextSubID++
	sub := newPump()
	sub.onCandidate = onCandidate
	ch.candSubs[role][id] = sub

	// Backlog first, in append order; live appends queue behind it.
	for _, p := range ch.candidates[role] {
		p := p
		sub.push(func(deliver *pump) { deliver.onCandidate(p) })
	}

	stop := func() {
		m.mu.Lock()
		if ch, ok := m.channels[channelID]; ok {
			delete(ch.candSubs[role], id)
		}
		m.mu.Unlock()
		sub.stop()
	}
	return stop, nil
}

func (m *MemoryStore) DeleteChannel(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return nil
	}

	// Watchers learn of the deletion as a nil record.
	for _, sub := range ch.recordSubs {
		sub.push(func(deliver *pump) { deliver.onRecord(nil) })
	}
	delete(m.channels, channelID)
	return nil
}

// ---------------------------------------------------------------------------
// Watch dispatch
// ---------------------------------------------------------------------------

// pump serializes deliveries for one subscriber. Events are queued under the
// store lock and drained by a single goroutine, so a slow callback never
// blocks writers and each event is delivered exactly once, in queue order.
type pump struct {
	onRecord    func(*CallRecord)
	onCandidate func(json.RawMessage)

	mu       sync.Mutex
	queue    []func(*pump)
	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newPump() *pump {
	p := &pump{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pump) push(fn func(*pump)) {
	p.mu.Lock()
	p.queue = append(p.queue, fn)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pump) run() {
	for {
		select {
		case <-p.notify:
			for {
				p.mu.Lock()
				if len(p.queue) == 0 {
					p.mu.Unlock()
					break
				}
				fn := p.queue[0]
				p.queue = p.queue[1:]
				p.mu.Unlock()

				select {
				case <-p.done:
					return
				default:
				}
				fn(p)
			}
		case <-p.done:
			return
		}
	}
}

// stop ends delivery. Events not yet drained are dropped; the subscriber
// asked to stop listening.
func (p *pump) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}
