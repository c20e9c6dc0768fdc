package device

import "sort"

// EventType identifies a notification channel
type EventType string

const (
	EventProperties     EventType = "properties"
	EventChange         EventType = "change"
	EventPropertyChange EventType = "change:"
	EventAvailable      EventType = "available"
	EventUnavailable    EventType = "unavailable"
)

// Change is one entry of a property diff
type Change struct {
	Previous interface{} `json:"previous"`
	Current  interface{} `json:"current"`
	Unit     string      `json:"unit,omitempty"`
}

// Event is a notification emitted by a Device
type Event struct {
	Type     EventType
	DeviceID string

	// Properties holds the merged state for EventProperties.
	Properties map[string]interface{}

	// Changes holds the diff for EventChange.
	Changes map[string]Change

	// Key and Change are set for EventPropertyChange.
	Key    string
	Change Change

	// Reason is set for EventUnavailable.
	Reason string
}

// Name renders the channel name, e.g. "change:environment:temperature"
func (e Event) Name() string {
	if e.Type == EventPropertyChange {
		return string(EventPropertyChange) + e.Key
	}
	return string(e.Type)
}

// Subscribe registers fn for every event. The returned func removes it.
// Handlers run synchronously on the goroutine that produced the event.
func (d *Device) Subscribe(fn func(Event)) (cancel func()) {
	d.subsMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subsMu.Unlock()

	return func() {
		d.subsMu.Lock()
		delete(d.subs, id)
		d.subsMu.Unlock()
	}
}

func (d *Device) emit(ev Event) {
	ev.DeviceID = d.opts.ID

	d.subsMu.RLock()
	ids := make([]int, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	d.subsMu.RUnlock()

	sort.Ints(ids)
	for _, id := range ids {
		d.subsMu.RLock()
		fn, ok := d.subs[id]
		d.subsMu.RUnlock()
		if ok {
			fn(ev)
		}
	}
}
