package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatcherOkBeforeAndAfterDestroy(t *testing.T) {
	w := newWatchable()
	witness := w.watch()
	assert.True(t, witness.ok())

	w.destroy()
	assert.False(t, witness.ok(), "witness must observe destroy() even though it was handed out before the call")
}

func TestWatcherSharedAcrossWitnesses(t *testing.T) {
	w := newWatchable()
	first := w.watch()
	second := w.watch()
	assert.True(t, first.ok())
	assert.True(t, second.ok())

	w.destroy()
	assert.False(t, first.ok())
	assert.False(t, second.ok(), "every witness from the same watchable shares one flag")
}

func TestZeroValueWatcherIsNotOk(t *testing.T) {
	var w watcher
	assert.False(t, w.ok(), "a watcher with no alive pointer must report not-ok rather than panic")
}
