package metrics

import "time"

type Metrics interface {
	Increment(string)
	Duration(string, time.Duration)
	Gauge(string, int)
}

type Nop struct{}

func (Nop) Increment(string)               {}
func (Nop) Duration(string, time.Duration) {}
func (Nop) Gauge(string, int)              {}

// Multi fans every measurement out to all backends.
type Multi []Metrics

func (m Multi) Increment(metric string) {
	for _, b := range m {
		b.Increment(metric)
	}
}

func (m Multi) Duration(metric string, d time.Duration) {
	for _, b := range m {
		b.Duration(metric, d)
	}
}

func (m Multi) Gauge(metric string, value int) {
	for _, b := range m {
		b.Gauge(metric, value)
	}
}
