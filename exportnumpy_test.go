// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bytes"
	"math"
	"os"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type exportNumpySuite struct{}

var _ = check.Suite(&exportNumpySuite{})

func (s *exportNumpySuite) TestMergedToNumpy(c *check.C) {
	tmpdir := c.MkDir()
	err := os.WriteFile(tmpdir+"/merged.tab", []byte("id\ts1\tna_iter1\ts2\np_A\t0.5\t1\t\np_B\t-2\t0\t3\n"), 0644)
	c.Assert(err, check.IsNil)

	exited := (&exportNumpy{}).RunCommand("export-numpy", []string{"-local=true", "-real-only", "-i", tmpdir + "/merged.tab", "-output-dir", tmpdir}, &bytes.Buffer{}, os.Stderr, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	f, err := os.Open(tmpdir + "/matrix.npy")
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{2, 2})
	values, err := npy.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Assert(values, check.HasLen, 4)
	c.Check(values[0], check.Equals, 0.5)
	c.Check(math.IsNaN(values[1]), check.Equals, true)
	c.Check(values[2:], check.DeepEquals, []float64{-2, 3})

	rows, err := os.ReadFile(tmpdir + "/rows.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(rows), check.Equals, "0,p_A\n1,p_B\n")
	cols, err := os.ReadFile(tmpdir + "/cols.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(cols), check.Equals, "0,s1\n1,s2\n")
}
