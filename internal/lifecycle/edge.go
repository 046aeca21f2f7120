package lifecycle

// entryWatcher detects entryOpen going open, closed, then open again.
type entryWatcher struct {
	initialized bool
	open        bool
	seenOpen    bool
}

// observe returns true on a closed to open transition that follows an earlier open period.
func (w *entryWatcher) observe(open bool) bool {
	if !w.initialized {
		w.initialized = true
		w.open = open
		w.seenOpen = open
		return false
	}
	if open == w.open {
		return false
	}
	w.open = open
	if !open {
		return false
	}
	reopened := w.seenOpen
	w.seenOpen = true
	return reopened
}
