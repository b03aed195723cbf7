// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RunMarkerFile records the id of the run that last used a run
// directory, and whether it finished.
const RunMarkerFile = ".paradigmRun"

type Stage int

const (
	Expectation Stage = iota
	Maximization
	FinalRun
	Merge
	Done
)

func (s Stage) String() string {
	switch s {
	case Expectation:
		return "Expectation"
	case Maximization:
		return "Maximization"
	case FinalRun:
		return "FinalRun"
	case Merge:
		return "Merge"
	case Done:
		return "Done"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Step is a state of the EM engine.
type Step struct {
	Stage     Stage
	Iteration int
}

func (s Step) String() string {
	if s.Stage == Merge || s.Stage == Done {
		return s.Stage.String()
	}
	return fmt.Sprintf("%s(%d)", s.Stage, s.Iteration)
}

func paramsFile(i int) string { return fmt.Sprintf("params%d.txt", i) }

func emOutputDir(i int) string { return fmt.Sprintf("%s%d", EMOutputDir, i) }

func collectScratch(i int) string { return emOutputDir(i) + "/expectations.txt" }

var paramsFileRe = regexp.MustCompile(`^params(\d+)\.txt$`)

// Engine drives the EM rounds, the final run and the merge of one
// run directory. Rounds are strictly sequential; the jobs within a
// round run in parallel.
type Engine struct {
	Config     Config
	State      RunState
	Dispatcher Dispatcher
	EMJobs     []Job
	FinalJobs  []Job
	// SkipCompleted skips jobs whose outputs already exist.
	SkipCompleted bool

	step Step
	logZ map[int]float64
}

func NewEngine(cfg Config, state RunState, dispatcher Dispatcher, emJobs, finalJobs []Job) *Engine {
	return &Engine{
		Config:     cfg,
		State:      state,
		Dispatcher: dispatcher,
		EMJobs:     emJobs,
		FinalJobs:  finalJobs,
		logZ:       map[int]float64{},
	}
}

// Step returns the state the next call to Advance will execute.
func (e *Engine) Step() Step { return e.step }

// Resume positions the engine after the newest consolidated
// parameter file in the run directory.
func (e *Engine) Resume() (Step, error) {
	names, err := e.State.List(".")
	if err != nil {
		return Step{}, err
	}
	latest := -1
	for _, name := range names {
		if m := paramsFileRe.FindStringSubmatch(name); m != nil {
			k, _ := strconv.Atoi(m[1])
			if k > latest {
				latest = k
			}
		}
	}
	switch {
	case latest < 0:
		return Step{}, fmt.Errorf("no %s in run directory (run prepare first)", paramsFile(0))
	case latest == 0:
		e.step = Step{Expectation, 0}
	default:
		e.step, err = e.afterMaximization(latest - 1)
		if err != nil {
			return Step{}, err
		}
	}
	log.Printf("resuming at %s", e.step)
	return e.step, nil
}

func (e *Engine) readLogZ(i int) (float64, error) {
	if v, ok := e.logZ[i]; ok {
		return v, nil
	}
	data, err := e.State.Read(paramsFile(i))
	if err != nil {
		return 0, err
	}
	v, err := ReadLogZ(data, paramsFile(i))
	if err != nil {
		return 0, err
	}
	e.logZ[i] = v
	return v, nil
}

// afterMaximization decides what follows Maximization(i), once
// params<i+1> exists. Convergence is only tested from iteration 2
// on.
func (e *Engine) afterMaximization(i int) (Step, error) {
	if i >= 2 {
		prev, err := e.readLogZ(i)
		if err != nil {
			return Step{}, err
		}
		cur, err := e.readLogZ(i + 1)
		if err != nil {
			return Step{}, err
		}
		decrease := (prev - cur) / cur
		log.Printf("iteration %d: logZ %g -> %g, relative change %g (tolerance %g)", i, prev, cur, decrease, e.Config.EM.Tolerance)
		if decrease < e.Config.EM.Tolerance {
			log.Printf("converged after %d iterations", i+1)
			return Step{FinalRun, i + 1}, nil
		}
	}
	if limit := e.Config.EM.MaxRounds; limit > 0 && i+1 >= limit {
		log.Warnf("stopping EM after %d rounds without convergence", i+1)
		return Step{FinalRun, i + 1}, nil
	}
	return Step{Expectation, i + 1}, nil
}

func (e *Engine) round() *roundRunner {
	return &roundRunner{
		Dispatcher:    e.Dispatcher,
		State:         e.State,
		Parallel:      e.Config.Paradigm.Parallel,
		SkipCompleted: e.SkipCompleted,
	}
}

// Advance executes the current step and moves to the next one. If a
// round fails, the step is unchanged and the error is a
// *RoundFailedError.
func (e *Engine) Advance(ctx context.Context) error {
	var next Step
	var err error
	switch e.step.Stage {
	case Expectation:
		next, err = e.expectation(ctx, e.step.Iteration)
	case Maximization:
		next, err = e.maximization(ctx, e.step.Iteration)
	case FinalRun:
		next, err = e.finalRun(ctx, e.step.Iteration)
	case Merge:
		next, err = e.merge()
	case Done:
		return nil
	}
	if err != nil {
		return err
	}
	e.step = next
	return nil
}

func (e *Engine) expectation(ctx context.Context, i int) (Step, error) {
	if err := e.State.Link(ParamsFile, paramsFile(i)); err != nil {
		return Step{}, err
	}
	if err := e.State.Mkdir(emOutputDir(i)); err != nil {
		return Step{}, err
	}
	if err := e.State.Link(EMOutputDir, emOutputDir(i)); err != nil {
		return Step{}, err
	}
	if err := e.round().Run(ctx, Step{Expectation, i}.String(), e.EMJobs); err != nil {
		return Step{}, err
	}
	return Step{Maximization, i}, nil
}

func (e *Engine) maximization(ctx context.Context, i int) (Step, error) {
	names, err := e.State.List(emOutputDir(i))
	if err != nil {
		return Step{}, err
	}
	job := &CollectJob{
		Executable: e.Config.Paradigm.CollectExecutable,
		Iteration:  i,
		Scratch:    collectScratch(i),
		Output:     paramsFile(i + 1),
	}
	for _, name := range names {
		if strings.Contains(name, "learn") {
			job.Learned = append(job.Learned, emOutputDir(i)+"/"+name)
		}
	}
	if len(job.Learned) == 0 {
		return Step{}, fmt.Errorf("%s: no learned parameter files in %s", Step{Maximization, i}, emOutputDir(i))
	}
	if e.State.Exists("mask.expectations") {
		job.ExpectationsMask = "mask.expectations"
	}
	if mask, err := e.State.Read(MaskParamsFile); err == nil && len(mask) > 0 {
		job.ParamsMask = MaskParamsFile
	}
	delete(e.logZ, i+1)
	if err := e.round().Run(ctx, Step{Maximization, i}.String(), []Job{job}); err != nil {
		return Step{}, err
	}
	if !e.State.Exists(job.Output) {
		return Step{}, fmt.Errorf("%s: %s was not written", Step{Maximization, i}, job.Output)
	}
	return e.afterMaximization(i)
}

func (e *Engine) finalRun(ctx context.Context, i int) (Step, error) {
	if err := e.State.Link(ParamsFile, paramsFile(i)); err != nil {
		return Step{}, err
	}
	if err := e.State.Mkdir(FinalOutputDir); err != nil {
		return Step{}, err
	}
	if err := e.round().Run(ctx, Step{FinalRun, i}.String(), e.FinalJobs); err != nil {
		return Step{}, err
	}
	return Step{Stage: Merge}, nil
}

func (e *Engine) merge() (Step, error) {
	rm := &ResultMerger{
		State:     e.State,
		OutputDir: FinalOutputDir,
		Filter: FilterOptions{
			MinCount: e.Config.Merge.MinCount,
			Cutoff:   e.Config.Merge.Cutoff,
		},
	}
	res, err := rm.Merge()
	if err != nil {
		return Step{}, err
	}
	if err := rm.Write(res); err != nil {
		return Step{}, err
	}
	return Step{Stage: Done}, nil
}

// Run advances the engine until it is Done or a step fails.
func (e *Engine) Run(ctx context.Context) error {
	if e.State.Exists(".jobTree") {
		log.Warnf("run directory has a .jobTree from a previous invocation; state may be stale")
	}
	runID := uuid.New().String()
	if prev, err := e.State.Read(RunMarkerFile); err == nil && !strings.HasSuffix(strings.TrimSpace(string(prev)), " done") {
		log.Warnf("run directory was used by unfinished run %s; state may be stale", strings.TrimSpace(string(prev)))
	}
	if err := e.State.AtomicWrite(RunMarkerFile, []byte(runID+"\n")); err != nil {
		return err
	}
	log.Printf("run %s starting at %s", runID, e.step)
	for e.step.Stage != Done {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Printf("%s", e.step)
		if err := e.Advance(ctx); err != nil {
			var rfe *RoundFailedError
			if errors.As(err, &rfe) {
				log.Errorf("round failed, rerun to retry: %s", err)
			}
			return err
		}
	}
	return e.State.AtomicWrite(RunMarkerFile, []byte(runID+" done\n"))
}
