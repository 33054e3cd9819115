package resolver

// watchable is embedded in Context. It hands out witnesses that a
// long-running loop can recheck after every user callback to detect that
// the Context was torn down mid-iteration — the "watcher" pattern called
// for in the design notes. A plain *Context pointer is not enough because
// the loop must keep running safely even after Close() has released the
// Context's transports; the witness is a single shared flag, not the
// Context itself, so checking it never touches freed state.
type watchable struct {
	alive *bool
}

func newWatchable() watchable {
	alive := true
	return watchable{alive: &alive}
}

// watch returns a witness for this Context. Every witness observes the same
// underlying flag, so a single Close() invalidates all of them.
func (w watchable) watch() watcher {
	return watcher{alive: w.alive}
}

// destroy marks every outstanding witness invalid. Called exactly once, by
// Context.Close.
func (w watchable) destroy() {
	*w.alive = false
}

// watcher is a cheap alive-witness a loop holds across a callback boundary.
type watcher struct {
	alive *bool
}

// ok reports whether the watched Context is still alive.
func (w watcher) ok() bool {
	return w.alive != nil && *w.alive
}
