// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"sync"
	"sync/atomic"
)

// throttle limits the number of jobs in flight during a round. Every
// reported error counts as a failure; the first one is kept.
type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	err       atomic.Value
	failed    int64
	setupOnce sync.Once
	errorOnce sync.Once
}

func (t *throttle) Acquire() {
	t.setupOnce.Do(func() {
		if t.Max < 1 {
			t.Max = 1
		}
		t.ch = make(chan bool, t.Max)
	})
	t.wg.Add(1)
	t.ch <- true
}

func (t *throttle) Release() {
	t.wg.Done()
	<-t.ch
}

func (t *throttle) Report(err error) {
	if err != nil {
		atomic.AddInt64(&t.failed, 1)
		t.errorOnce.Do(func() { t.err.Store(err) })
	}
}

func (t *throttle) Err() error {
	err, _ := t.err.Load().(error)
	return err
}

// Failed returns the number of errors reported so far.
func (t *throttle) Failed() int {
	return int(atomic.LoadInt64(&t.failed))
}

func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}
