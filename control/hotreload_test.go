package control

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTriggerHotReloadSyncInvokesHooksBeforeReturning(t *testing.T) {
	orig := reloadHooks
	defer func() { reloadHooks = orig }()
	reloadHooks = nil

	var calls int32
	RegisterReloadHook(func() { atomic.AddInt32(&calls, 1) })
	RegisterReloadHook(func() { atomic.AddInt32(&calls, 1) })

	TriggerHotReloadSync()

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestTriggerHotReloadRunsHooksAsynchronously(t *testing.T) {
	orig := reloadHooks
	defer func() { reloadHooks = orig }()
	reloadHooks = nil

	done := make(chan struct{})
	RegisterReloadHook(func() { close(done) })

	TriggerHotReload()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reload hook was not invoked")
	}
}
