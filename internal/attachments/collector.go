package attachments

import (
	"sync"
	"time"
)

// DefaultGroupTimeout is how long the collector waits after the last item
// of a media group before yielding the whole group.
const DefaultGroupTimeout = time.Second

// Collector buffers media-group (album) items until the group has gone
// quiet for the configured timeout, then yields the full group at once.
// Items without a group id bypass the buffer entirely.
type Collector struct {
	mu      sync.Mutex
	groups  map[string][]Item
	timers  map[string]*time.Timer
	timeout time.Duration
	emit    func(items []Item)
}

// NewCollector returns a Collector that calls emit with each completed
// group. emit runs on the timer goroutine for buffered groups and on the
// caller's goroutine for standalone items.
func NewCollector(timeout time.Duration, emit func(items []Item)) *Collector {
	if timeout <= 0 {
		timeout = DefaultGroupTimeout
	}
	return &Collector{
		groups:  make(map[string][]Item),
		timers:  make(map[string]*time.Timer),
		timeout: timeout,
		emit:    emit,
	}
}

// Add routes one item: standalone items are emitted immediately as a
// one-element group; album items are buffered and the group's timer is
// re-armed, so the group fires timeout after its last item.
func (c *Collector) Add(item Item) {
	if item.GroupID == "" {
		c.emit([]Item{item})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.groups[item.GroupID] = append(c.groups[item.GroupID], item)
	if t, ok := c.timers[item.GroupID]; ok {
		t.Reset(c.timeout)
		return
	}
	groupID := item.GroupID
	c.timers[groupID] = time.AfterFunc(c.timeout, func() {
		c.flush(groupID)
	})
}

func (c *Collector) flush(groupID string) {
	c.mu.Lock()
	items := c.groups[groupID]
	delete(c.groups, groupID)
	delete(c.timers, groupID)
	c.mu.Unlock()

	if len(items) > 0 {
		c.emit(items)
	}
}
