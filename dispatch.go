// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"

	log "github.com/sirupsen/logrus"
)

// Dispatcher runs one invocation on some executor and waits for it
// to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv Invocation) Outcome
}

// RoundFailedError means at least one job of a round failed. The
// engine stays in State; rerunning repeats the round.
type RoundFailedError struct {
	State  string
	Failed int
	Total  int
}

func (e *RoundFailedError) Error() string {
	return fmt.Sprintf("%s: %d of %d jobs failed", e.State, e.Failed, e.Total)
}

// localDispatcher runs invocations as child processes with the run
// root as the base for relative paths. Outputs named in the argument
// list, and stdout, are written to "<file>~" and renamed when the
// command succeeds, so a failed command leaves no output behind.
type localDispatcher struct {
	Root   string
	Stderr io.Writer
}

func (d *localDispatcher) Dispatch(ctx context.Context, inv Invocation) Outcome {
	outputs := map[string]bool{}
	for _, o := range inv.Outputs {
		outputs[o] = true
	}
	var renames []string
	args := make([]string, len(inv.Args))
	for i, arg := range inv.Args {
		if outputs[arg] {
			fnm := filepath.Join(d.Root, filepath.FromSlash(arg))
			if !slices.Contains(renames, fnm) {
				renames = append(renames, fnm)
			}
			arg = fnm + "~"
		}
		args[i] = arg
	}
	cmd := exec.CommandContext(ctx, inv.Executable, args...)
	cmd.Dir = filepath.Join(d.Root, filepath.FromSlash(inv.Dir))
	cmd.Stderr = d.Stderr
	if inv.Stdout != "" {
		fnm := filepath.Join(d.Root, filepath.FromSlash(inv.Stdout))
		f, err := os.OpenFile(fnm+"~", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return Outcome{Err: err}
		}
		defer f.Close()
		cmd.Stdout = f
		renames = append(renames, fnm)
	}
	err := cmd.Run()
	if f, ok := cmd.Stdout.(*os.File); ok && err == nil {
		err = f.Close()
	}
	if err != nil {
		for _, fnm := range renames {
			os.Remove(fnm + "~")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Outcome{ExitCode: exitErr.ExitCode()}
		}
		return Outcome{Err: err}
	}
	for _, fnm := range renames {
		if err := os.Rename(fnm+"~", fnm); err != nil {
			return Outcome{Err: err}
		}
	}
	return Outcome{}
}

// roundRunner dispatches every job of one round, at most Parallel
// at a time, and returns only when all of them have finished.
type roundRunner struct {
	Dispatcher    Dispatcher
	State         RunState
	Parallel      int
	SkipCompleted bool
}

func (rr *roundRunner) completed(invs []Invocation) bool {
	for _, inv := range invs {
		for _, out := range inv.Outputs {
			if !rr.State.Exists(out) {
				return false
			}
		}
	}
	return true
}

// Run dispatches jobs and waits for the whole round. A job fails if
// any of its invocations is invalid or exits nonzero; later
// invocations of a failed job are not started.
func (rr *roundRunner) Run(ctx context.Context, state string, jobs []Job) error {
	thr := throttle{Max: rr.Parallel}
	total, skipped := 0, 0
	for _, job := range jobs {
		invs := job.Invocations()
		if len(invs) == 0 {
			continue
		}
		if rr.SkipCompleted && rr.completed(invs) {
			skipped++
			continue
		}
		total++
		thr.Acquire()
		go func() {
			defer thr.Release()
			for _, inv := range invs {
				if err := inv.Validate(); err != nil {
					log.Errorf("%s: invalid %s job: %s", state, job.Tag(), err)
					thr.Report(err)
					return
				}
				outcome := rr.Dispatcher.Dispatch(ctx, inv)
				if outcome.Failed() {
					log.Errorf("%s: %s: %s", state, inv.CommandLine(), outcome)
					thr.Report(fmt.Errorf("%s: %s", inv.CommandLine(), outcome))
					return
				}
			}
		}()
	}
	thr.Wait()
	if skipped > 0 {
		log.Infof("%s: skipped %d completed jobs", state, skipped)
	}
	if failed := thr.Failed(); failed > 0 {
		return &RoundFailedError{State: state, Failed: failed, Total: total}
	}
	log.Infof("%s: %d jobs done", state, total)
	return nil
}
