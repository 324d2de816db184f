// ABOUTME: TTL set of callback URLs that recently passed the validationToken challenge
// ABOUTME: Lets repeated push registrations for the same URL skip the round trip

package push

import (
	"container/list"
	"sync"
	"time"
)

type verifiedEntry struct {
	at      time.Time
	element *list.Element
}

// verifiedURLs remembers URLs for ttl, evicting the oldest past maxSize.
type verifiedURLs struct {
	mu      sync.Mutex
	entries map[string]*verifiedEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newVerifiedURLs(ttl time.Duration, maxSize int) *verifiedURLs {
	return &verifiedURLs{
		entries: make(map[string]*verifiedEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// has reports whether target was verified within ttl. Expired entries are dropped.
func (v *verifiedURLs) has(target string) bool {
	if v.ttl <= 0 {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[target]
	if !ok {
		return false
	}
	if v.now().Sub(e.at) >= v.ttl {
		v.order.Remove(e.element)
		delete(v.entries, target)
		return false
	}
	return true
}

func (v *verifiedURLs) add(target string) {
	if v.ttl <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if e, ok := v.entries[target]; ok {
		e.at = v.now()
		v.order.MoveToBack(e.element)
		return
	}

	if len(v.entries) >= v.maxSize {
		if front := v.order.Front(); front != nil {
			key, _ := front.Value.(string)
			v.order.Remove(front)
			delete(v.entries, key)
		}
	}
	v.entries[target] = &verifiedEntry{at: v.now(), element: v.order.PushBack(target)}
}

func (v *verifiedURLs) len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}
