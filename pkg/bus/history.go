package bus

import (
	"sync"

	"github.com/weave-nn/weave/pkg/models"
)

// historyRing is a bounded ring buffer of published messages. The
// oldest entry is overwritten once capacity is reached.
type historyRing struct {
	mu    sync.RWMutex
	buf   []models.Message
	next  int
	count int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity < 1 {
		capacity = 1
	}
	return &historyRing{buf: make([]models.Message, capacity)}
}

func (h *historyRing) append(msg models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = msg
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// query returns matching messages oldest-first, bounded by the filter's
// limit (keeping the most recent matches when truncating).
func (h *historyRing) query(filter HistoryFilter) []models.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	matches := make([]models.Message, 0, h.count)
	start := h.next - h.count
	if start < 0 {
		start += len(h.buf)
	}
	for i := 0; i < h.count; i++ {
		msg := h.buf[(start+i)%len(h.buf)]
		if filter.Topic != "" && msg.Topic != filter.Topic {
			continue
		}
		if !filter.Since.IsZero() && msg.Timestamp.Before(filter.Since) {
			continue
		}
		matches = append(matches, msg)
	}

	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[len(matches)-filter.Limit:]
	}
	return matches
}

func (h *historyRing) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
