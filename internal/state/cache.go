package state

import (
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/errcode"
)

var ErrUnknownEntity = errcode.UnknownEntity

type snapshot struct {
	entities map[string]Entity
	states   map[string]EntityState
	boards   map[byte]BoardStatus
}

// Cache is the process-wide entity state. Reads load an immutable snapshot
// and never block; writes are serialized and swap in a new snapshot.
type Cache struct {
	snap atomic.Pointer[snapshot]

	mu      sync.Mutex
	subs    map[int]chan EntityState
	nextSub int
	dropped atomic.Uint64
	now     func() time.Time
}

func NewCache(entities []Entity) *Cache {
	c := &Cache{subs: make(map[int]chan EntityState), now: time.Now}
	c.snap.Store(buildSnapshot(entities, nil))
	return c
}

func buildSnapshot(entities []Entity, prev *snapshot) *snapshot {
	s := &snapshot{
		entities: make(map[string]Entity, len(entities)),
		states:   make(map[string]EntityState, len(entities)),
		boards:   make(map[byte]BoardStatus),
	}
	for _, e := range entities {
		s.entities[e.ID] = e
		st := NewUnknown(e)
		if prev != nil {
			if old, ok := prev.states[e.ID]; ok && old.Kind == e.Kind {
				st = old
			}
		}
		s.states[e.ID] = st
		if _, ok := s.boards[e.Address]; !ok {
			bs := BoardStatus{Address: e.Address, Availability: domo.AvailabilityUnknown}
			if prev != nil {
				if old, ok := prev.boards[e.Address]; ok {
					bs = old
				}
			}
			s.boards[e.Address] = bs
		}
	}
	return s
}

// Get returns the cached state of id.
func (c *Cache) Get(id string) (EntityState, bool) {
	st, ok := c.snap.Load().states[id]
	if !ok {
		return EntityState{}, false
	}
	return st.Clone(), true
}

// Entity returns the static description of id.
func (c *Cache) Entity(id string) (Entity, bool) {
	e, ok := c.snap.Load().entities[id]
	return e, ok
}

// All returns every state ordered by id.
func (c *Cache) All() []EntityState {
	s := c.snap.Load()
	out := make([]EntityState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EntitiesAt lists the entities on board address addr, by channel.
func (c *Cache) EntitiesAt(addr byte) []Entity {
	s := c.snap.Load()
	var out []Entity
	for _, e := range s.entities {
		if e.Address == addr {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func (c *Cache) Board(addr byte) (BoardStatus, bool) {
	b, ok := c.snap.Load().boards[addr]
	return b, ok
}

func (c *Cache) Boards() []BoardStatus {
	s := c.snap.Load()
	out := make([]BoardStatus, 0, len(s.boards))
	for _, b := range s.boards {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// EntityCount is the number of configured entities.
func (c *Cache) EntityCount() int { return len(c.snap.Load().entities) }

// Update applies fn to a copy of id's state and stores the result. ID and
// Kind are preserved whatever fn returns.
func (c *Cache) Update(id string, fn func(EntityState) EntityState) (EntityState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	old, ok := cur.states[id]
	if !ok {
		return EntityState{}, errcode.New(ErrUnknownEntity, "cache", id)
	}
	next := fn(old.Clone())
	next.ID, next.Kind = old.ID, old.Kind
	next.UpdatedAt = c.now()

	s := &snapshot{entities: cur.entities, states: maps.Clone(cur.states), boards: cur.boards}
	s.states[id] = next
	c.snap.Store(s)
	if !next.SameValue(old) {
		c.notify(next)
	}
	return next.Clone(), nil
}

// UpdateBoard writes the status of addr and, when entityFn is non-nil, every
// entity on that board, in a single snapshot swap. It returns the entity
// states after the update.
func (c *Cache) UpdateBoard(addr byte, statusFn func(BoardStatus) BoardStatus, entityFn func(Entity, EntityState) EntityState) ([]EntityState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	old, ok := cur.boards[addr]
	if !ok {
		return nil, errcode.New(ErrUnknownEntity, "cache", fmt.Sprintf("board address %d", addr))
	}
	s := &snapshot{entities: cur.entities, states: cur.states, boards: maps.Clone(cur.boards)}
	if statusFn != nil {
		next := statusFn(old)
		next.Address = addr
		s.boards[addr] = next
	}

	var changed, out []EntityState
	if entityFn != nil {
		s.states = maps.Clone(cur.states)
		now := c.now()
		for id, e := range cur.entities {
			if e.Address != addr {
				continue
			}
			prev := cur.states[id]
			next := entityFn(e, prev.Clone())
			next.ID, next.Kind = prev.ID, prev.Kind
			if next.SameValue(prev) {
				next.UpdatedAt = prev.UpdatedAt
			} else {
				next.UpdatedAt = now
				changed = append(changed, next)
			}
			s.states[id] = next
			out = append(out, next.Clone())
		}
	}
	c.snap.Store(s)
	for _, st := range changed {
		c.notify(st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RekeyBoard moves the board status and entities at from to address to.
// Entries are replaced, never edited in place.
func (c *Cache) RekeyBoard(from, to byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	bs, ok := cur.boards[from]
	if !ok {
		return errcode.New(ErrUnknownEntity, "rekey", fmt.Sprintf("board address %d", from))
	}
	if _, taken := cur.boards[to]; taken {
		return fmt.Errorf("rekey: address %d already in use", to)
	}
	s := &snapshot{entities: maps.Clone(cur.entities), states: cur.states, boards: maps.Clone(cur.boards)}
	delete(s.boards, from)
	bs.Address = to
	s.boards[to] = bs
	for id, e := range s.entities {
		if e.Address == from {
			e.Address = to
			s.entities[id] = e
		}
	}
	c.snap.Store(s)
	return nil
}

// Reconfigure swaps the entity set. Surviving entities keep their state
// when their kind is unchanged; new ones start unknown.
func (c *Cache) Reconfigure(entities []Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Store(buildSnapshot(entities, c.snap.Load()))
}

// Subscribe returns a channel receiving every state change. Slow readers
// miss changes rather than stall writers.
func (c *Cache) Subscribe(buf int) (<-chan EntityState, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan EntityState, buf)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped counts notifications lost to full subscriber channels.
func (c *Cache) Dropped() uint64 { return c.dropped.Load() }

// notify requires c.mu.
func (c *Cache) notify(st EntityState) {
	for _, ch := range c.subs {
		select {
		case ch <- st.Clone():
		default:
			c.dropped.Add(1)
		}
	}
}
