package mqtt

import (
	"strings"
	"sync"
)

// MatchTopic matches topic with pattern, which may contain the single level
// wildcard + and a trailing multi-level wildcard #. The multi-level wildcard
// also matches the parent level, e.g. ssam/# matches ssam.
func MatchTopic(topic, pattern string) bool {
	levels, filter := strings.Split(topic, "/"), strings.Split(pattern, "/")
	for i, f := range filter {
		if f == "#" {
			return i+1 == len(filter)
		}
		if i >= len(levels) {
			return false
		}
		if f != "+" && f != levels[i] {
			return false
		}
	}
	return len(levels) == len(filter)
}

func isWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "+#")
}

// routes holds the handlers subscribed per topic filter.
type routes struct {
	lock    sync.RWMutex
	filters map[string][]*Subscription
}

// add returns true if the filter is new and must be subscribed on the broker.
func (r *routes) add(sub *Subscription) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.filters == nil {
		r.filters = make(map[string][]*Subscription)
	}
	subs := r.filters[sub.topic]
	r.filters[sub.topic] = append(subs, sub)
	return len(subs) == 0
}

// remove returns true if the last handler of the filter is gone.
func (r *routes) remove(sub *Subscription) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	subs := r.filters[sub.topic]
	for i, s := range subs {
		if s != sub {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(r.filters, sub.topic)
			return true
		}
		r.filters[sub.topic] = subs
		return false
	}
	return false
}

func (r *routes) topics() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	topics := make([]string, 0, len(r.filters))
	for topic := range r.filters {
		topics = append(topics, topic)
	}
	return topics
}

// match collects the handlers of all filters matching topic.
func (r *routes) match(topic string) (handlers []Handler) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, sub := range r.filters[topic] {
		handlers = append(handlers, sub.handler)
	}
	for filter, subs := range r.filters {
		if !isWildcard(filter) || !MatchTopic(topic, filter) {
			continue
		}
		for _, sub := range subs {
			handlers = append(handlers, sub.handler)
		}
	}
	return
}
