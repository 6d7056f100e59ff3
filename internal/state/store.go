package state

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// TargetStatus represents the reachability of a proxy target.
type TargetStatus string

const (
	StatusReachable   TargetStatus = "reachable"
	StatusUnreachable TargetStatus = "unreachable"
	StatusDegraded    TargetStatus = "degraded"
	StatusUnknown     TargetStatus = "unknown"
)

// Target is the last known state of the upstream behind one proxy rule.
type Target struct {
	Rule            string       `json:"rule"`
	URL             string       `json:"url"`
	Status          TargetStatus `json:"status"`
	HTTPCode        *int         `json:"httpCode"`
	ResponseTimeMs  *int64       `json:"responseTimeMs"`
	LastChecked     *time.Time   `json:"lastChecked"`
	LastStateChange *time.Time   `json:"lastStateChange"`
	Error           *string      `json:"error"`
	// ReadyEndpoints and TotalEndpoints are set for k8s:// targets only.
	ReadyEndpoints *int `json:"readyEndpoints,omitempty"`
	TotalEndpoints *int `json:"totalEndpoints,omitempty"`
}

// EventType identifies the kind of state mutation.
type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
	EventUpdated
	EventConfigErrors
)

// Event represents a state mutation notification.
type Event struct {
	Type   EventType
	Target Target // Populated for Added/Updated
	Rule   string // Populated for Removed
}

// Store is a concurrency-safe in-memory store of proxy targets keyed by rule context.
type Store struct {
	mu           sync.RWMutex
	targets      map[string]Target
	configErrors []string
	subs         map[chan Event]struct{}
}

// NewStore creates a new empty Store.
func NewStore() *Store {
	return &Store{
		targets: make(map[string]Target),
		subs:    make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel that receives an event for every mutation.
// Events are dropped for subscribers that fall behind.
func (s *Store) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, 128)
	s.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (s *Store) Unsubscribe(ch <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for existing := range s.subs {
		if (<-chan Event)(existing) == ch {
			delete(s.subs, existing)
			close(existing)
			return
		}
	}
}

// publish fans an event out to subscribers. Callers hold s.mu.
func (s *Store) publish(evt Event) {
	for ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SetConfigErrors records the errors of the most recent config load.
func (s *Store) SetConfigErrors(errs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configErrors = slices.Clone(errs)
	s.publish(Event{Type: EventConfigErrors})
}

// ConfigErrors returns the errors of the most recent config load.
func (s *Store) ConfigErrors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.configErrors)
}

// Replace sets the tracked targets to exactly targets. Entries whose rule
// and URL are unchanged keep their health fields; everything else starts
// out as unknown. It returns the number of entries added and removed.
func (s *Store) Replace(targets []Target) (added, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Target, len(targets))
	for _, t := range targets {
		if prev, ok := s.targets[t.Rule]; ok && prev.URL == t.URL {
			next[t.Rule] = prev
			continue
		}
		t.Status = StatusUnknown
		next[t.Rule] = t.DeepCopy()
		added++
	}
	for rule, prev := range s.targets {
		if cur, ok := next[rule]; !ok || cur.URL != prev.URL {
			removed++
			s.publish(Event{Type: EventRemoved, Rule: rule})
		}
	}
	for rule, t := range next {
		if prev, ok := s.targets[rule]; !ok || prev.URL != t.URL {
			s.publish(Event{Type: EventAdded, Target: t.DeepCopy()})
		}
	}
	s.targets = next
	return added, removed
}

// Get retrieves the target for a rule.
func (s *Store) Get(rule string) (Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[rule]
	if !ok {
		return Target{}, false
	}
	return t.DeepCopy(), true
}

// All returns a snapshot of all targets ordered by rule.
func (s *Store) All() []Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		result = append(result, t.DeepCopy())
	}
	slices.SortFunc(result, func(a, b Target) int {
		return strings.Compare(a.Rule, b.Rule)
	})
	return result
}

// Update performs a thread-safe read-modify-write on a single target.
// If the rule is not tracked, or now points at a different URL than
// expected, fn is not called. This drops probe results that raced a reload.
func (s *Store) Update(rule, url string, fn func(*Target)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[rule]
	if !ok || t.URL != url {
		return false
	}
	fn(&t)
	s.targets[rule] = t
	s.publish(Event{Type: EventUpdated, Target: t.DeepCopy()})
	return true
}

// DeepCopy creates a complete copy of the Target, including pointer fields.
func (t Target) DeepCopy() Target {
	cp := t
	if t.HTTPCode != nil {
		val := *t.HTTPCode
		cp.HTTPCode = &val
	}
	if t.ResponseTimeMs != nil {
		val := *t.ResponseTimeMs
		cp.ResponseTimeMs = &val
	}
	if t.LastChecked != nil {
		val := *t.LastChecked
		cp.LastChecked = &val
	}
	if t.LastStateChange != nil {
		val := *t.LastStateChange
		cp.LastStateChange = &val
	}
	if t.Error != nil {
		val := *t.Error
		cp.Error = &val
	}
	if t.ReadyEndpoints != nil {
		val := *t.ReadyEndpoints
		cp.ReadyEndpoints = &val
	}
	if t.TotalEndpoints != nil {
		val := *t.TotalEndpoints
		cp.TotalEndpoints = &val
	}
	return cp
}
