package notifyer

import (
	"sync"
	"sync/atomic"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/uplinkd/internal/models"
)

// ChanNotifyer hands events from the coordinator loop to the sender. Notify
// never blocks: the loop owns every OS mutation and must not wait on sinks,
// so events are dropped and counted when the buffer is full.
type ChanNotifyer struct {
	eventChan chan models.Event
	closed    atomic.Bool
	closeOnce sync.Once
	mu        sync.RWMutex
	dropped   atomic.Uint64
}

func NewNotifier(buf int) *ChanNotifyer {
	return &ChanNotifyer{
		eventChan: make(chan models.Event, buf),
	}
}

func (n *ChanNotifyer) Notify(event models.Event) {
	if event.ID == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			log.Warn().Err(err).Msg("failed to generate event id")
		}
		event.ID = id
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed.Load() {
		return
	}
	select {
	case n.eventChan <- event:
	default:
		dropped := n.dropped.Add(1)
		log.Warn().
			Str("type", string(event.Type)).
			Str("interface", event.Interface).
			Uint64("dropped", dropped).
			Msg("event buffer full, dropping event")
	}
}

func (n *ChanNotifyer) Dropped() uint64 {
	return n.dropped.Load()
}

func (n *ChanNotifyer) GetEventChan() <-chan models.Event {
	return n.eventChan
}

func (n *ChanNotifyer) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.closed.Store(true)
		close(n.eventChan)
	})
}
