// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"context"
	"flag"
	"fmt"
	"sync"
)

// batchArgs selects null batches. Every batch has its own seed, so
// batches can run in separate processes or containers and still
// produce the same files as a single run.
type batchArgs struct {
	batch   int
	batches int
}

func (b *batchArgs) Flags(flags *flag.FlagSet, defaultBatches int) {
	flags.IntVar(&b.batches, "batches", defaultBatches, "number of null batches")
	flags.IntVar(&b.batch, "batch", -1, "only do `N`th batch (-1 = all)")
}

func (b *batchArgs) Args(batch int) []string {
	return []string{
		fmt.Sprintf("-batches=%d", b.batches),
		fmt.Sprintf("-batch=%d", batch),
	}
}

// RunBatches calls runFunc once per selected batch, concurrently, and
// returns a slice of return values and the first returned error, if
// any.
func (b *batchArgs) RunBatches(ctx context.Context, runFunc func(context.Context, int) (string, error)) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	outputs := make([]string, b.batches)
	var wg WaitGroup
	for batch := 0; batch < b.batches; batch++ {
		if b.batch >= 0 && b.batch != batch {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := runFunc(ctx, batch)
			outputs[batch] = out
			if err != nil {
				wg.Error(err)
				cancel()
			}
		}()
	}
	err := wg.Wait()
	if b.batch >= 0 && b.batch < b.batches {
		outputs = outputs[b.batch : b.batch+1]
	}
	return outputs, err
}

// WaitGroup is a sync.WaitGroup that also keeps the first error
// reported by any goroutine.
type WaitGroup struct {
	sync.WaitGroup
	err     error
	errOnce sync.Once
}

func (wg *WaitGroup) Error(err error) {
	if err != nil {
		wg.errOnce.Do(func() { wg.err = err })
	}
}

func (wg *WaitGroup) Wait() error {
	wg.WaitGroup.Wait()
	return wg.err
}
