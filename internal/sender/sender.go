package sender

import (
	"context"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/uplinkd/internal/models"
)

// Sink consumes events. Deliver returns how many events from the head of the
// batch were stored before an error.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, events []models.Event) (int, error)
}

const (
	defaultAttempts  = 3
	maxUnsentPerSink = 1024
)

func NewSenderController(
	eventCh <-chan models.Event,
	sinks []Sink,
	retryTimeout time.Duration,
) *SenderControler {
	unsent := make(map[string][]models.Event, len(sinks))
	return &SenderControler{
		events:       eventCh,
		sinks:        sinks,
		retryTimeout: retryTimeout,
		unsentGuard:  &sync.Mutex{},
		unsent:       unsent,
	}
}

// SenderControler fans events out to every sink. A sink that keeps failing
// only delays its own events: they go to a per-sink unsent queue that is
// retried on a timer.
type SenderControler struct {
	events       <-chan models.Event
	sinks        []Sink
	retryTimeout time.Duration
	unsentGuard  *sync.Mutex
	unsent       map[string][]models.Event
}

// Run delivers events until the event channel is closed or ctx is done.
func (c *SenderControler) Run(ctx context.Context) {
	ttlTicker := time.NewTicker(c.retryTimeout)
	defer ttlTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ttlTicker.C:
			c.sendUnsentEvents(ctx)
		case event, ok := <-c.events:
			if !ok {
				c.sendUnsentEvents(ctx)
				return
			}
			c.deliver(ctx, event)
		}
	}
}

func (c *SenderControler) deliver(ctx context.Context, event models.Event) {
	for _, sink := range c.sinks {
		err := retry.Do(
			func() error {
				_, err := sink.Deliver(ctx, []models.Event{event})
				return err
			},
			retry.Attempts(defaultAttempts),
			retry.Context(ctx),
			retry.Delay(50*time.Millisecond),
		)
		if err != nil {
			log.Error().Err(err).Str("sink", sink.Name()).Msg("failed to deliver event, put it into unsent queue")
			c.enqueue(sink.Name(), event)
		}
	}
}

func (c *SenderControler) enqueue(sink string, event models.Event) {
	c.unsentGuard.Lock()
	defer c.unsentGuard.Unlock()
	queue := append(c.unsent[sink], event)
	if len(queue) > maxUnsentPerSink {
		log.Warn().Str("sink", sink).Msgf("unsent queue overflow, dropping %d oldest events", len(queue)-maxUnsentPerSink)
		queue = queue[len(queue)-maxUnsentPerSink:]
	}
	c.unsent[sink] = queue
}

func (c *SenderControler) sendUnsentEvents(ctx context.Context) {
	c.unsentGuard.Lock()
	defer c.unsentGuard.Unlock()

	for _, sink := range c.sinks {
		queue := c.unsent[sink.Name()]
		if len(queue) == 0 {
			continue
		}
		done, err := sink.Deliver(ctx, queue)
		if err != nil {
			log.Warn().Err(err).Str("sink", sink.Name()).Msgf("failed to deliver unsent events: done %d", done)

			newUnsent := make([]models.Event, len(queue)-done)
			copy(newUnsent, queue[done:])
			c.unsent[sink.Name()] = newUnsent
			continue
		}
		c.unsent[sink.Name()] = queue[:0]
	}
}
