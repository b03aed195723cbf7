// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/check.v1"
)

// fakeDispatcher stands in for the solver and the parameter
// collector: it writes plausible outputs into the run state.
type fakeDispatcher struct {
	state RunState
	// logZ[k] is the log-likelihood recorded in params<k>.txt.
	logZ map[int]float64
	// final maps a final-run output key to its content.
	final map[string]string

	mtx   sync.Mutex
	fail  map[string]bool
	calls []string
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, inv Invocation) Outcome {
	d.mtx.Lock()
	d.calls = append(d.calls, inv.CommandLine())
	fail := d.fail[inv.Outputs[0]]
	d.mtx.Unlock()
	if fail {
		return Outcome{ExitCode: 1}
	}
	key, data := inv.Outputs[0], "learned\n"
	switch {
	case inv.Stdout != "":
		key, data = inv.Stdout, "expectations\n"
	case inv.Executable == "collectParameters":
		var k int
		if _, err := fmt.Sscanf(inv.Args[1], "params%d.txt", &k); err != nil {
			return Outcome{Err: err}
		}
		data = fmt.Sprintf("> parameters em_iters=%d logZ=%g\n", k, d.logZ[k])
	default:
		if content, ok := d.final[key]; ok {
			data = content
		}
	}
	if err := d.state.AtomicWrite(key, []byte(data)); err != nil {
		return Outcome{Err: err}
	}
	return Outcome{}
}

func (d *fakeDispatcher) callCount() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.calls)
}

type emSuite struct {
	state      RunState
	dispatcher *fakeDispatcher
	engine     *Engine
}

var _ = check.Suite(&emSuite{})

func (s *emSuite) SetUpTest(c *check.C) {
	s.state = NewMemState()
	c.Assert(s.state.AtomicWrite(paramsFile(0), []byte(ParamsHeader+"> shared CondProbEstimation\n0.5\n")), check.IsNil)
	s.dispatcher = &fakeDispatcher{
		state: s.state,
		logZ:  map[int]float64{1: -150.01, 2: -150, 3: -140, 4: -139.9, 5: -139.89},
		final: map[string]string{
			"outputFiles/a_output.fa":         "> s1 loglikelihood=-3.2\nA\t0.9\nB\t0.1\n> s2 loglikelihood=-1\nA\t-0.7\nB\t0.0\n",
			"outputFiles/a_batch_1_output.fa": "> na_iter1\nA\t0.2\nB\t0.3\n",
		},
		fail: map[string]bool{},
	}
	part := &Partitioner{}
	emJobs := part.EMJobs(Plan{
		Executable:   "paradigm",
		DataDir:      "clusterFiles",
		PathwayFiles: []string{"clusterFiles/a_pathway.tab", "clusterFiles/b_pathway.tab"},
		Samples:      2,
	})
	finalJobs := part.FinalJobs(Plan{
		Executable:   "paradigm",
		DataDir:      "clusterFiles",
		PathwayFiles: []string{"clusterFiles/a_pathway.tab"},
		Samples:      2,
		NullBatches:  1,
		NullSamples:  1,
		NullPrefix:   "na_batch",
	})
	s.engine = NewEngine(DefaultConfig(), s.state, s.dispatcher, emJobs, finalJobs)
}

func (s *emSuite) read(c *check.C, key string) string {
	data, err := s.state.Read(key)
	c.Assert(err, check.IsNil)
	return string(data)
}

func (s *emSuite) TestStepString(c *check.C) {
	c.Check(Step{Expectation, 3}.String(), check.Equals, "Expectation(3)")
	c.Check(Step{FinalRun, 4}.String(), check.Equals, "FinalRun(4)")
	c.Check(Step{Stage: Merge}.String(), check.Equals, "Merge")
	c.Check(Step{Stage: Done}.String(), check.Equals, "Done")
}

func (s *emSuite) TestResumeFresh(c *check.C) {
	step, err := s.engine.Resume()
	c.Assert(err, check.IsNil)
	c.Check(step, check.Equals, Step{Expectation, 0})

	_, err = NewEngine(DefaultConfig(), NewMemState(), s.dispatcher, nil, nil).Resume()
	c.Check(err, check.ErrorMatches, `no params0.txt.*`)
}

func (s *emSuite) TestResumeAfterMaximization(c *check.C) {
	for k := 1; k <= 3; k++ {
		hdr := fmt.Sprintf("> parameters em_iters=%d logZ=%g\n", k, s.dispatcher.logZ[k])
		c.Assert(s.state.AtomicWrite(paramsFile(k), []byte(hdr)), check.IsNil)
	}
	step, err := s.engine.Resume()
	c.Assert(err, check.IsNil)
	c.Check(step, check.Equals, Step{Expectation, 3})

	c.Assert(s.state.AtomicWrite(paramsFile(4), []byte("> parameters em_iters=4 logZ=-139.9\n")), check.IsNil)
	step, err = s.engine.Resume()
	c.Assert(err, check.IsNil)
	c.Check(step, check.Equals, Step{FinalRun, 4})
}

func (s *emSuite) TestRunToConvergence(c *check.C) {
	_, err := s.engine.Resume()
	c.Assert(err, check.IsNil)
	c.Assert(s.engine.Run(context.Background()), check.IsNil)
	c.Check(s.engine.Step(), check.Equals, Step{Stage: Done})

	c.Check(s.state.Exists(paramsFile(4)), check.Equals, true)
	c.Check(s.state.Exists(paramsFile(5)), check.Equals, false)
	c.Check(s.read(c, ParamsFile), check.Equals, s.read(c, paramsFile(4)))
	c.Check(s.read(c, "outputFilesEM3/b_learned_parameters.fa"), check.Equals, "learned\n")
	c.Check(s.read(c, "outputFilesEM3/expectations.txt"), check.Equals, "expectations\n")

	c.Check(s.read(c, MergedFile), check.Equals, "id\ts1\ts2\na_A\t0.9\t-0.7\n")
	c.Check(s.read(c, MergedAllFile), check.Equals, "id\tna_iter1\ts1\ts2\na_A\t0.2\t0.9\t-0.7\n")
	c.Check(s.read(c, MergedUnfilteredFile), check.Equals, "id\ts1\ts2\na_A\t0.9\t-0.7\na_B\t0.1\t0.0\n")
	c.Check(strings.HasSuffix(s.read(c, RunMarkerFile), " done\n"), check.Equals, true)

	// 4 E rounds of 2 jobs, 4 M rounds of 2 invocations, 2 final jobs
	c.Check(s.dispatcher.callCount(), check.Equals, 18)
}

func (s *emSuite) TestMaxRounds(c *check.C) {
	s.engine.Config.EM.MaxRounds = 2
	_, err := s.engine.Resume()
	c.Assert(err, check.IsNil)
	for s.engine.Step().Stage != FinalRun {
		c.Assert(s.engine.Advance(context.Background()), check.IsNil)
	}
	c.Check(s.engine.Step(), check.Equals, Step{FinalRun, 2})
	c.Check(s.state.Exists(paramsFile(3)), check.Equals, false)
}

func (s *emSuite) TestRoundFailure(c *check.C) {
	s.dispatcher.fail["outputFilesEM/b_learned_parameters.fa"] = true
	_, err := s.engine.Resume()
	c.Assert(err, check.IsNil)
	err = s.engine.Advance(context.Background())
	var rfe *RoundFailedError
	c.Assert(errors.As(err, &rfe), check.Equals, true)
	c.Check(*rfe, check.Equals, RoundFailedError{State: "Expectation(0)", Failed: 1, Total: 2})
	c.Check(err, check.ErrorMatches, `Expectation\(0\): 1 of 2 jobs failed`)
	c.Check(s.engine.Step(), check.Equals, Step{Expectation, 0})

	delete(s.dispatcher.fail, "outputFilesEM/b_learned_parameters.fa")
	c.Assert(s.engine.Advance(context.Background()), check.IsNil)
	c.Check(s.engine.Step(), check.Equals, Step{Maximization, 0})
}

func (s *emSuite) TestSkipCompleted(c *check.C) {
	c.Assert(s.state.AtomicWrite("outputFilesEM0/a_learned_parameters.fa", []byte("done before\n")), check.IsNil)
	s.engine.SkipCompleted = true
	_, err := s.engine.Resume()
	c.Assert(err, check.IsNil)
	c.Assert(s.engine.Advance(context.Background()), check.IsNil)
	c.Check(s.dispatcher.calls, check.HasLen, 1)
	c.Check(s.dispatcher.calls[0], check.Matches, `paradigm -p clusterFiles/b_pathway.tab .*`)
	c.Check(s.read(c, "outputFilesEM0/a_learned_parameters.fa"), check.Equals, "done before\n")
}

func (s *emSuite) TestInvalidInvocationNotDispatched(c *check.C) {
	s.engine.EMJobs = []Job{&EMJob{JobRecord: JobRecord{
		Pathway:     "x",
		PathwayFile: "clusterFiles/x_pathway.tab",
		Buckets:     1,
		EvidenceDir: "clusterFiles/",
		ConfigFile:  ConfigEMFile,
		Output:      "../x_learned_parameters.fa",
	}, Executable: "paradigm"}}
	_, err := s.engine.Resume()
	c.Assert(err, check.IsNil)
	err = s.engine.Advance(context.Background())
	c.Check(err, check.ErrorMatches, `Expectation\(0\): 1 of 1 jobs failed`)
	c.Check(s.dispatcher.callCount(), check.Equals, 0)
}

func (s *emSuite) TestMaximizationNeedsLearnedFiles(c *check.C) {
	s.engine.EMJobs = nil
	_, err := s.engine.Resume()
	c.Assert(err, check.IsNil)
	c.Assert(s.engine.Advance(context.Background()), check.IsNil)
	err = s.engine.Advance(context.Background())
	c.Check(err, check.ErrorMatches, `Maximization\(0\): no learned parameter files.*`)
	c.Check(s.engine.Step(), check.Equals, Step{Maximization, 0})
}
