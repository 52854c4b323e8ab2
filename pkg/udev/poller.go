package udev

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	// pollSlice bounds one iteration of the wait loop so the deadline is
	// re-evaluated and progress can be logged while waiting.
	pollSlice = 500 * time.Millisecond

	// flushSlice is the very short drain poll used before a physical
	// stimulus is issued.
	flushSlice = time.Millisecond
)

// Poller is the single event waiter of a monitoring session. It owns one
// perpetual Source subscription; ExpectEvent calls may be issued
// sequentially from different fixtures but never concurrently.
type Poller struct {
	source Source
	log    zerolog.Logger
}

// NewPoller wraps an event source.
func NewPoller(source Source, log zerolog.Logger) *Poller {
	return &Poller{source: source, log: log}
}

// NewNetlinkPoller opens the kernel subscription and wraps it.
func NewNetlinkPoller(log zerolog.Logger) (*Poller, error) {
	source, err := NewNetlinkSource()
	if err != nil {
		return nil, err
	}
	return NewPoller(source, log), nil
}

// Close releases the event subscription. It must run on every exit path of
// the session, whatever the outcome of the waits.
func (p *Poller) Close() error {
	return p.source.Close()
}

// Flush drains and discards any events already queued. Call it strictly
// before issuing a physical stimulus (e.g. applying power): stale events of
// a previous unrelated transition can then never be misattributed to the
// wait that follows.
func (p *Poller) Flush() {
	flushed := 0
	for {
		ev, err := p.source.Receive(flushSlice)
		if err != nil || ev == nil {
			break
		}
		flushed++
	}
	if flushed > 0 {
		p.log.Debug().Int("count", flushed).Msg("events flushed")
	}
}

// ExpectEvent blocks until the first event matching one of the fingerprints
// arrives and returns it. Non-matching events are silently ignored, except
// events matching a failFilter, which raise a FailFilterError distinct from
// a timeout. Exceeding the deadline returns a TimeoutError carrying `where`
// and `expect` for operator-legible diagnostics.
//
// There is no cancellation beyond the deadline: callers bound their risk
// entirely through timeout.
func (p *Poller) ExpectEvent(filters []Fingerprint, failFilters []Fingerprint, where, expect string, timeout time.Duration) (*Event, error) {
	begin := time.Now()
	for {
		elapsed := time.Since(begin)
		if elapsed > timeout {
			return nil, &TimeoutError{
				Where:   where,
				Expect:  expect,
				Elapsed: elapsed,
				Timeout: timeout,
			}
		}

		ev, err := p.source.Receive(pollSlice)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			p.log.Debug().
				Str("where", where).
				Dur("elapsed", elapsed).
				Dur("timeout", timeout).
				Msg("still waiting")
			continue
		}

		for _, filter := range filters {
			if filter.Matches(ev) {
				p.log.Debug().Str("filter", filter.Label).Stringer("event", ev).Msg("matched")
				return ev, nil
			}
		}
		p.log.Debug().Stringer("event", ev).Msg("not matched")

		for _, filter := range failFilters {
			if filter.Matches(ev) {
				return nil, &FailFilterError{Label: filter.Label, Event: ev.String()}
			}
		}
	}
}

// Expect is the single-fingerprint form of ExpectEvent.
func (p *Poller) Expect(filter Fingerprint, where, expect string, timeout time.Duration) (*Event, error) {
	return p.ExpectEvent([]Fingerprint{filter}, nil, where, expect, timeout)
}
