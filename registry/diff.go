package registry

import (
	"bytes"
	"slices"
)

// diff returns the events that turn before into after, ordered by path.
func diff(before, after map[string][]byte) []Event {
	var events []Event
	for _, p := range sortedKeys(before) {
		if _, ok := after[p]; !ok {
			events = append(events, Event{Type: EventRemoved, Path: p})
		}
	}
	for _, p := range sortedKeys(after) {
		old, ok := before[p]
		switch {
		case !ok:
			events = append(events, Event{Type: EventAdded, Path: p, Payload: after[p]})
		case !bytes.Equal(old, after[p]):
			events = append(events, Event{Type: EventUpdated, Path: p, Payload: after[p]})
		}
	}
	return events
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
