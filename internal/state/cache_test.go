package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/protocol"
)

func testEntities() []Entity {
	return []Entity{
		{ID: "lights-c1", BoardID: "lights", Kind: domo.KindLight, Address: 1, Channel: 1},
		{ID: "lights-c2", BoardID: "lights", Kind: domo.KindLight, Address: 1, Channel: 2},
		{ID: "blinds-c1", BoardID: "blinds", Kind: domo.KindShutter, Address: 2, Channel: 1},
		{ID: "thermo-c1", BoardID: "thermo", Kind: domo.KindThermostat, Address: 3, Channel: 1},
	}
}

func TestNewCache_SeedsUnknown(t *testing.T) {
	c := NewCache(testEntities())
	for _, st := range c.All() {
		if st.Availability != domo.AvailabilityUnknown || st.Known {
			t.Errorf("%s: %+v", st.ID, st)
		}
	}
	st, ok := c.Get("blinds-c1")
	if !ok || st.Shutter == nil || st.Light != nil || st.Thermostat != nil {
		t.Errorf("shutter variant = %+v", st)
	}
	if _, ok := c.Get("nope-c1"); ok {
		t.Error("unconfigured entity must not be cached")
	}
	if len(c.Boards()) != 3 || c.EntityCount() != 4 {
		t.Errorf("boards=%d entities=%d", len(c.Boards()), c.EntityCount())
	}
}

func TestCache_UpdatePreservesIdentity(t *testing.T) {
	c := NewCache(testEntities())
	got, err := c.Update("lights-c1", func(s EntityState) EntityState {
		s.ID = "other"
		s.Kind = domo.KindShutter
		s.Light.On = true
		s.Known = true
		return s
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "lights-c1" || got.Kind != domo.KindLight || !got.LightOn() || got.UpdatedAt.IsZero() {
		t.Errorf("Update() = %+v", got)
	}
	if _, err := c.Update("missing-c1", func(s EntityState) EntityState { return s }); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("err = %v", err)
	}
}

func TestCache_ReadsAreSnapshots(t *testing.T) {
	c := NewCache(testEntities())
	before, _ := c.Get("lights-c1")
	before.Light.On = true
	after, _ := c.Get("lights-c1")
	if after.LightOn() {
		t.Fatal("mutating a returned state leaked into the cache")
	}
}

func TestCache_UpdateBoard(t *testing.T) {
	c := NewCache(testEntities())
	poll := protocol.PollStatus{OutputMask: 0x02}
	out, err := c.UpdateBoard(1, func(b BoardStatus) BoardStatus {
		b.Availability = domo.AvailabilityOK
		b.Poll = &poll
		return b
	}, func(e Entity, s EntityState) EntityState {
		s.Light.On = poll.Output(e.Channel)
		s.Availability = domo.AvailabilityOK
		s.Known = true
		return s
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].LightOn() || !out[1].LightOn() {
		t.Fatalf("UpdateBoard() = %+v", out)
	}
	b, _ := c.Board(1)
	if b.Availability != domo.AvailabilityOK || b.Poll.OutputMask != 0x02 {
		t.Errorf("board = %+v", b)
	}
	if s, _ := c.Get("blinds-c1"); s.Availability != domo.AvailabilityUnknown {
		t.Error("other boards must not change")
	}
}

func TestCache_SubscribeOnlyOnChange(t *testing.T) {
	c := NewCache(testEntities())
	ch, cancel := c.Subscribe(8)
	defer cancel()

	set := func(on bool) {
		c.Update("lights-c1", func(s EntityState) EntityState {
			s.Light.On = on
			s.Known = true
			return s
		})
	}
	set(true)
	set(true)
	set(false)

	var got []bool
	for len(got) < 2 {
		select {
		case st := <-ch:
			got = append(got, st.LightOn())
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	select {
	case st := <-ch:
		t.Fatalf("unexpected notification %+v", st)
	default:
	}
	if !got[0] || got[1] {
		t.Errorf("notifications = %v", got)
	}
}

func TestCache_SubscribeDropsWhenFull(t *testing.T) {
	c := NewCache(testEntities())
	_, cancel := c.Subscribe(1)
	defer cancel()
	for i := 0; i < 3; i++ {
		on := i%2 == 0
		c.Update("lights-c1", func(s EntityState) EntityState { s.Light.On = on; return s })
	}
	if c.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", c.Dropped())
	}
}

func TestCache_RekeyBoard(t *testing.T) {
	c := NewCache(testEntities())
	c.Update("blinds-c1", func(s EntityState) EntityState { s.Shutter.Direction = domo.DirectionUp; return s })

	if err := c.RekeyBoard(2, 9); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Board(2); ok {
		t.Error("old address still present")
	}
	if b, ok := c.Board(9); !ok || b.Address != 9 {
		t.Errorf("Board(9) = %+v, %v", b, ok)
	}
	if e, _ := c.Entity("blinds-c1"); e.Address != 9 {
		t.Errorf("entity address = %d", e.Address)
	}
	if s, _ := c.Get("blinds-c1"); s.Shutter.Direction != domo.DirectionUp {
		t.Error("state lost on rekey")
	}
	if err := c.RekeyBoard(1, 3); err == nil {
		t.Error("expected error rekeying onto a used address")
	}
}

func TestCache_Reconfigure(t *testing.T) {
	c := NewCache(testEntities())
	c.Update("lights-c1", func(s EntityState) EntityState { s.Light.On = true; s.Known = true; return s })

	c.Reconfigure([]Entity{
		{ID: "lights-c1", Kind: domo.KindLight, Address: 1, Channel: 1},
		{ID: "new-c1", Kind: domo.KindShutter, Address: 4, Channel: 1},
	})
	if s, ok := c.Get("lights-c1"); !ok || !s.LightOn() {
		t.Errorf("surviving entity lost state: %+v", s)
	}
	if _, ok := c.Get("thermo-c1"); ok {
		t.Error("removed entity still cached")
	}
	if s, ok := c.Get("new-c1"); !ok || s.Availability != domo.AvailabilityUnknown {
		t.Errorf("new entity = %+v", s)
	}
}

func TestCache_ConcurrentReadersAndWriters(t *testing.T) {
	c := NewCache(testEntities())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Update("lights-c2", func(s EntityState) EntityState { s.Light.On = !s.Light.On; return s })
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if s, ok := c.Get("lights-c2"); !ok || s.Light == nil {
					t.Error("reader saw a broken state")
					return
				}
			}
		}()
	}
	wg.Wait()
	// 1600 flips from off is an even count.
	if s, _ := c.Get("lights-c2"); s.LightOn() {
		t.Error("lost updates under concurrency")
	}
}

func TestPublishedStore(t *testing.T) {
	s := NewPublishedStore()
	if !s.NeedsPublish("a", []byte("1"), 0) {
		t.Fatal("first publish should be needed")
	}
	s.Update("a", []byte("1"))
	if s.NeedsPublish("a", []byte("1"), 0) {
		t.Error("unchanged payload without heartbeat should be skipped")
	}
	if !s.NeedsPublish("a", []byte("2"), 0) {
		t.Error("changed payload should publish")
	}
	time.Sleep(2 * time.Millisecond)
	if !s.NeedsPublish("a", []byte("1"), time.Millisecond) {
		t.Error("expired heartbeat should publish")
	}
	s.Clear()
	if _, _, ok := s.GetLast("a"); ok {
		t.Error("Clear kept entries")
	}
}
