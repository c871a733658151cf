package navigator

import "fmt"

// minLoopWindow is the shortest history that can hold a period-3 cycle.
const minLoopWindow = 6

// LoopDetector keeps a bounded window of recent action keys and reports
// short cycles.
type LoopDetector struct {
	window int
	keys   []string
}

// NewLoopDetector creates a detector remembering window keys.
func NewLoopDetector(window int) *LoopDetector {
	if window < minLoopWindow {
		window = minLoopWindow
	}
	return &LoopDetector{window: window, keys: make([]string, 0, window)}
}

// Observe appends key and reports whether the history now ends in one of
// the three watched patterns: the same key three times, a period-2 repeat
// over four keys, or a period-3 repeat over six.
func (d *LoopDetector) Observe(key string) (string, bool) {
	d.keys = append(d.keys, key)
	if len(d.keys) > d.window {
		d.keys = d.keys[len(d.keys)-d.window:]
	}
	k, n := d.keys, len(d.keys)

	if n >= 3 && k[n-1] == k[n-2] && k[n-2] == k[n-3] {
		return fmt.Sprintf("action %q repeated 3 times", key), true
	}
	if n >= 4 && k[n-1] == k[n-3] && k[n-2] == k[n-4] {
		return fmt.Sprintf("actions %q and %q alternating", k[n-2], k[n-1]), true
	}
	if n >= 6 && k[n-1] == k[n-4] && k[n-2] == k[n-5] && k[n-3] == k[n-6] {
		return fmt.Sprintf("cycle %q -> %q -> %q repeated", k[n-3], k[n-2], k[n-1]), true
	}
	return "", false
}

// Recent returns a copy of the remembered keys, oldest first.
func (d *LoopDetector) Recent() []string {
	return append([]string(nil), d.keys...)
}
