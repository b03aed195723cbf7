// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bytes"
	"errors"
	"math"
	"strings"

	"gopkg.in/check.v1"
)

type paramsSuite struct{}

var _ = check.Suite(&paramsSuite{})

func checkFloats(c *check.C, got, want []float64) {
	c.Assert(got, check.HasLen, len(want))
	for i := range want {
		c.Check(math.Abs(got[i]-want[i]) < 1e-12, check.Equals, true, check.Commentf("[%d] got %g want %g", i, got[i], want[i]))
	}
}

func (s *paramsSuite) TestInitParams(c *check.C) {
	checkFloats(c, InitParams(3, false), []float64{
		0.5, 1.0 / 3, 1.0 / 6,
		0.25, 0.5, 0.25,
		1.0 / 6, 1.0 / 3, 0.5,
	})
	checkFloats(c, InitParams(3, true), []float64{
		1.0 / 6, 1.0 / 3, 0.5,
		0.25, 0.5, 0.25,
		0.5, 1.0 / 3, 1.0 / 6,
	})
	checkFloats(c, InitParams(2, false), []float64{
		2.0 / 3, 1.0 / 3,
		0.5, 0.5,
		1.0 / 3, 2.0 / 3,
	})
}

func (s *paramsSuite) TestReadLogZ(c *check.C) {
	v, err := ReadLogZ([]byte(ParamsHeader), "params0.txt")
	c.Assert(err, check.IsNil)
	c.Check(v, check.Equals, -1e300)
	v, err = ReadLogZ([]byte("> parameters em_iters=3 logZ=-139.9\n> shared x\nlogZ=1\n"), "params3.txt")
	c.Assert(err, check.IsNil)
	c.Check(v, check.Equals, -139.9)

	_, err = ReadLogZ([]byte("> parameters em_iters=3\nlogZ=1\n"), "params3.txt")
	var mie *MalformedInputError
	c.Check(errors.As(err, &mie), check.Equals, true)
}

func testEvidence() []EvidenceConfig {
	mrna := defaultEvidence("mRNA")
	mrna.File = "data/mRNA.tab"
	mut := defaultEvidence("codeMut")
	mut.File = "data/mut.tab.gz"
	mut.Disc = []float64{0.5}
	return []EvidenceConfig{mrna, mut}
}

func (s *paramsSuite) TestWriteBaseParams(c *check.C) {
	var buf bytes.Buffer
	mask, err := WriteBaseParams(&buf, testEvidence(), nil)
	c.Assert(err, check.IsNil)
	lines := strings.Split(buf.String(), "\n")
	c.Check(lines[0]+"\n", check.Equals, ParamsHeader)
	c.Check(lines[1], check.Equals, "> shared CondProbEstimation [pseudo_count=1,target_dim=3,total_dim=9] mRNA.tab=mRNA")
	c.Check(lines[2], check.Equals, "0.5")
	c.Check(lines[11], check.Equals, "> shared CondProbEstimation [pseudo_count=1,target_dim=3,total_dim=9] mut.tab=codeMut")
	c.Check(lines[15], check.Equals, "0.9998")
	c.Check(mask, check.Matches, `> mask shared CondProbEstimation \[.*\] mut.tab=codeMut\n0\nnan\n(?s).*`)

	stored, err := ReadStoredParams(strings.NewReader(ParamsHeader + "> shared CondProbEstimation [pseudo_count=1,target_dim=3,total_dim=9] old.tab=mRNA\n0.1\n0.2\n\n0.7\n"))
	c.Assert(err, check.IsNil)
	c.Check(stored, check.DeepEquals, map[string]string{"mRNA": "0.1\n0.2\n0.7\n"})
	buf.Reset()
	_, err = WriteBaseParams(&buf, testEvidence()[:1], stored)
	c.Assert(err, check.IsNil)
	c.Check(buf.String(), check.Equals, ParamsHeader+
		"> shared CondProbEstimation [pseudo_count=1,target_dim=3,total_dim=9] mRNA.tab=mRNA\n0.1\n0.2\n0.7\n")
}

func (s *paramsSuite) TestSolverConfig(c *check.C) {
	cfg := DefaultConfig()
	cfg.Evidence = testEvidence()[:1]
	var buf bytes.Buffer
	c.Assert(WriteSolverConfigEM(&buf, DefaultSolverConfigTop(), cfg), check.IsNil)
	c.Check(buf.String(), check.Equals, "pathway [max_in_degree=5,param_file=params.txt]\n"+
		"inference [method=JTREE,updates=HUGIN,verbose=1]\n"+
		"em_step [mRNA.tab=mRNA]\n"+
		"em [max_iters=1,log_z_tol=1e-10]\n"+
		"evidence [suffix=mRNA.tab,node=mRNA,disc=0.333;0.667,epsilon=0.01,epsilon0=0.2]\n")

	cfg.Evidence = testEvidence()
	buf.Reset()
	c.Assert(WriteSolverConfig(&buf, DefaultSolverConfigTop(), cfg), check.IsNil)
	c.Check(buf.String(), check.Equals, "pathway [max_in_degree=5,param_file=params.txt]\n"+
		"inference [method=JTREE,updates=HUGIN,verbose=1]\n"+
		"evidence [suffix=mRNA.tab,node=mRNA,disc=0.333;0.667,epsilon=0.01,epsilon0=0.2]\n"+
		"evidence [suffix=mut.tab,node=codeMut,disc=0.5,epsilon=0.01,epsilon0=0.2]\n")

	buf.Reset()
	top := SolverConfigTop{EM: "custom [%s]\nem_step ["}
	c.Assert(WriteSolverConfigEM(&buf, top, cfg), check.IsNil)
	c.Check(strings.HasPrefix(buf.String(), "custom [method=JTREE,updates=HUGIN,verbose=1]\nem_step [mRNA.tab=mRNA,mut.tab=codeMut]\n"), check.Equals, true)
}
