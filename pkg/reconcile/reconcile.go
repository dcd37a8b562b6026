// Package reconcile merges incremental deltas and full-text snapshots from
// an unreliable event source into a single growing text per channel.
package reconcile

import "strings"

// Delta is one normalized text update: the newly observed increment and the
// full accumulated text after applying it.
type Delta struct {
	Text string
	Full string
}

// Channel accumulates text for one logical stream (answer or reasoning).
// The accumulated text only grows, except on a divergent done snapshot,
// which replaces it wholesale without emitting a delta.
type Channel struct {
	text        string
	emit        func(Delta)
	divergences int
}

// NewChannel returns a channel that invokes emit for every observable delta.
func NewChannel(emit func(Delta)) *Channel {
	return &Channel{emit: emit}
}

// OnDelta appends an incremental update. Empty deltas are ignored.
func (c *Channel) OnDelta(text string) {
	if text == "" {
		return
	}
	c.text += text
	c.emit(Delta{Text: text, Full: c.text})
}

// OnDone applies a full-text snapshot. Empty snapshots are ignored.
// A snapshot extending the accumulated text emits only the missing suffix.
// A divergent snapshot replaces the accumulated text silently.
func (c *Channel) OnDone(full string) {
	if full == "" {
		return
	}
	if c.text == "" {
		c.text = full
		c.emit(Delta{Text: full, Full: full})
		return
	}
	if strings.HasPrefix(full, c.text) {
		missing := full[len(c.text):]
		c.text = full
		if missing != "" {
			c.emit(Delta{Text: missing, Full: full})
		}
		return
	}
	if c.text != full {
		c.divergences++
		c.text = full
	}
}

// Text returns the accumulated text.
func (c *Channel) Text() string {
	return c.text
}

// Divergences reports how many done snapshots replaced the accumulated text
// without extending it.
func (c *Channel) Divergences() int {
	return c.divergences
}
