package wire

import (
	goSync "sync"
)

// Stats counts the bytes that crossed a connection. Raw counts are before
// compression, and wire counts are what actually went over the channel,
// including chunk headers.
type Stats struct {
	SentRaw      int64
	SentWire     int64
	ReceivedRaw  int64
	ReceivedWire int64
}

// counters is shared between the reading and writing halves of a
// connection, which run on different goroutines.
type counters struct {
	lock  goSync.Mutex
	stats Stats
}

func (c *counters) wrote(raw, wire int) {
	if c == nil {
		return
	}
	c.lock.Lock()
	c.stats.SentRaw += int64(raw)
	c.stats.SentWire += int64(wire)
	c.lock.Unlock()
}

func (c *counters) read(raw, wire int) {
	if c == nil {
		return
	}
	c.lock.Lock()
	c.stats.ReceivedRaw += int64(raw)
	c.stats.ReceivedWire += int64(wire)
	c.lock.Unlock()
}

func (c *counters) snapshot() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.stats
}
