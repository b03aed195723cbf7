// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bytes"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type mergeSuite struct{}

var _ = check.Suite(&mergeSuite{})

func mergeOutputs(c *check.C, files map[string]string, filter FilterOptions) *MergedResult {
	state := NewMemState()
	for name, content := range files {
		c.Assert(state.AtomicWrite("outputFiles/"+name, []byte(content)), check.IsNil)
	}
	rm := &ResultMerger{State: state, OutputDir: "outputFiles", Filter: filter}
	res, err := rm.Merge()
	c.Assert(err, check.IsNil)
	return res
}

func (s *mergeSuite) TestBucketsShareRows(c *check.C) {
	res := mergeOutputs(c, map[string]string{
		"p_b0_2_output.fa": "> s1\nX\t1\nY\t2\n",
		"p_b1_2_output.fa": "> s2\nX\t3\nY\t4\n",
		"q_output.fa":      "> s1\nX\t5\n> s2\nX\t6\n",
	}, FilterOptions{MinCount: 1})
	c.Check(string(res.All.Bytes()), check.Equals, "id\ts1\ts2\np_X\t1\t3\np_Y\t2\t4\nq_X\t5\t6\n")
}

func (s *mergeSuite) TestMissingCellsAreBlank(c *check.C) {
	res := mergeOutputs(c, map[string]string{
		"p_output.fa": "> s1\nX\t1\n",
		"q_output.fa": "> s2\nX\t2\n",
	}, FilterOptions{MinCount: 1})
	c.Check(string(res.All.Bytes()), check.Equals, "id\ts1\ts2\np_X\t1\t\nq_X\t\t2\n")
}

func (s *mergeSuite) TestMatrixOutputs(c *check.C) {
	res := mergeOutputs(c, map[string]string{
		"p_output.fa":             "id\ts1\ts2\nX\t0.1\t0.9\n",
		"p_learned_parameters.fa": "garbage",
		"expectations.txt":        "garbage",
	}, FilterOptions{MinCount: 1, Cutoff: 0.5})
	c.Check(string(res.Filtered.Bytes()), check.Equals, "id\ts1\ts2\np_X\t0.1\t0.9\n")
}

func (s *mergeSuite) TestFilterIgnoresNullColumns(c *check.C) {
	res := mergeOutputs(c, map[string]string{
		"p_output.fa":         "> s1\nX\t0.1\nY\t-0.8\n",
		"p_batch_1_output.fa": "> na_iter1\nX\t5\nY\t0\n",
	}, FilterOptions{MinCount: 1, Cutoff: 0.5})
	c.Check(res.Real.Columns, check.DeepEquals, []string{"s1"})
	c.Check(res.Filtered.Rows(), check.DeepEquals, []string{"p_Y"})
	c.Check(string(res.FilteredAll.Bytes()), check.Equals, "id\tna_iter1\ts1\np_Y\t0\t-0.8\n")
}

func (s *mergeSuite) TestNoOutputs(c *check.C) {
	state := NewMemState()
	c.Assert(state.Mkdir("outputFiles"), check.IsNil)
	_, err := (&ResultMerger{State: state, OutputDir: "outputFiles"}).Merge()
	c.Check(err, check.ErrorMatches, `no inference outputs found in outputFiles`)
}

func (s *mergeSuite) TestMalformedOutput(c *check.C) {
	state := NewMemState()
	c.Assert(state.AtomicWrite("outputFiles/p_output.fa", []byte("> s1\nX\t1\t2\n")), check.IsNil)
	_, err := (&ResultMerger{State: state, OutputDir: "outputFiles"}).Merge()
	c.Check(err, check.ErrorMatches, `outputFiles/p_output.fa: line 3: expected 2 fields, found 3`)
}

func (s *mergeSuite) TestMergeCommand(c *check.C) {
	tmpdir := c.MkDir()
	c.Assert(os.MkdirAll(tmpdir+"/outputFiles", 0777), check.IsNil)
	c.Assert(os.WriteFile(tmpdir+"/outputFiles/p_output.fa", []byte("> s1\nX\t1\nY\t0.2\n"), 0666), check.IsNil)
	var stderr bytes.Buffer
	code := (&mergecmd{}).RunCommand("paradigm merge", []string{"-run-dir", tmpdir, "-cutoff", "0.5"}, nil, &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	merged, err := os.ReadFile(tmpdir + "/" + MergedFile)
	c.Assert(err, check.IsNil)
	c.Check(string(merged), check.Equals, "id\ts1\np_X\t1\n")
	unfiltered, err := os.ReadFile(tmpdir + "/" + MergedAllUnfilteredFile)
	c.Assert(err, check.IsNil)
	c.Check(string(unfiltered), check.Equals, "id\ts1\np_X\t1\np_Y\t0.2\n")
}

func (s *mergeSuite) TestFilterKeep(c *check.C) {
	cols := []string{"s1", "s2", "na_iter1"}
	for _, trial := range []struct {
		opts   FilterOptions
		values []string
		keep   bool
	}{
		{FilterOptions{MinCount: 1, Cutoff: 0.5}, []string{"0.5", "0", "0"}, true},
		{FilterOptions{MinCount: 1, Cutoff: 0.5}, []string{"-0.6", "", "0"}, true},
		{FilterOptions{MinCount: 2, Cutoff: 0.5}, []string{"-0.6", "0.1", "0.9"}, true},
		{FilterOptions{MinCount: 2, Cutoff: 0.5, SkipNull: true}, []string{"-0.6", "0.1", "0.9"}, false},
		{FilterOptions{MinCount: 1, Cutoff: 0.5}, []string{"NA", "nan", "x"}, false},
		{FilterOptions{MinCount: 0, Cutoff: 0.5}, []string{"", "", ""}, true},
	} {
		c.Check(trial.opts.Keep(cols, trial.values), check.Equals, trial.keep, check.Commentf("%+v %q", trial.opts, trial.values))
	}
}

func (s *mergeSuite) TestFilterCommand(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := "id\ts1\tna_iter1\nA\t0.1\t0.9\nB\t0.7\t0\n"
	code := (&filtercmd{}).RunCommand("paradigm filter", []string{"-n", "-cutoff", "0.5"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Equals, "id\ts1\tna_iter1\nB\t0.7\t0\n")

	stdout.Reset()
	code = (&filtercmd{}).RunCommand("paradigm filter", []string{"-filter", "1,0.8"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Equals, "id\ts1\tna_iter1\nA\t0.1\t0.9\n")

	code = (&filtercmd{}).RunCommand("paradigm filter", []string{"-filter", "1"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 2)

	var opts FilterOptions
	c.Check(opts.Set("2, 0.25"), check.IsNil)
	c.Check(opts, check.Equals, FilterOptions{MinCount: 2, Cutoff: 0.25})
}
