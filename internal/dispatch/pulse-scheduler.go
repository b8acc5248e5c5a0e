package dispatch

import (
	"sync"
	"time"

	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/logging"
)

// Command is a deferred Dispatch call.
type Command struct {
	Entity string
	Action string
	Params domo.Params
}

type CommandPusher interface {
	PushCommand(cmd Command) bool
}

// CommandScheduler holds at most one delayed reversal per entity.
type CommandScheduler interface {
	SchedulePulse(cmd Command, delay time.Duration) error
	ClearPulse(entity string) bool
	Pending() int
	Stop()
}

type commandScheduler struct {
	mu            sync.Mutex
	pulses        map[string]*time.Timer
	commandPusher CommandPusher
}

func NewCommandScheduler(pusher CommandPusher) CommandScheduler {
	logging.Debug("Command scheduler created")
	return &commandScheduler{
		pulses:        make(map[string]*time.Timer),
		commandPusher: pusher,
	}
}

// SchedulePulse arms the inverse command for a timed pulse. One pulse per
// entity; a newer pulse replaces the older one.
func (cs *commandScheduler) SchedulePulse(cmd Command, delay time.Duration) error {
	if delay <= 0 {
		cs.commandPusher.PushCommand(cmd)
		return nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if old, exists := cs.pulses[cmd.Entity]; exists {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		cs.mu.Lock()
		if cs.pulses[cmd.Entity] == timer {
			delete(cs.pulses, cmd.Entity)
		}
		cs.mu.Unlock()
		cs.commandPusher.PushCommand(cmd)
	})
	cs.pulses[cmd.Entity] = timer
	return nil
}

func (cs *commandScheduler) ClearPulse(entity string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if timer, exists := cs.pulses[entity]; exists {
		timer.Stop()
		delete(cs.pulses, entity)
		return true
	}
	return false
}

func (cs *commandScheduler) Pending() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.pulses)
}

func (cs *commandScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for entity, timer := range cs.pulses {
		timer.Stop()
		delete(cs.pulses, entity)
	}
	logging.Debug("Command scheduler stopped")
}
