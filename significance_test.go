// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bytes"
	"os"

	"gopkg.in/check.v1"
)

type significanceSuite struct{}

var _ = check.Suite(&significanceSuite{})

func (s *significanceSuite) TestSignificance(c *check.C) {
	m := readMatrixString(c, "id\ts1\tna_iter1\tna_iter2\tna_iter3\ts2\n"+
		"p_A\t4\t1\t2\t3\tNA\n"+
		"p_B\t1\t1\t\t\t2\n"+
		"p_C\t1\t5\t5\t5\t2\n")
	z, p := Significance(m)
	c.Check(z.Columns, check.DeepEquals, []string{"s1", "s2"})
	c.Check(string(z.Bytes()), check.Equals, "id\ts1\ts2\np_A\t2\t\np_B\t\t\np_C\t\t\n")
	c.Check(string(p.Bytes()), check.Equals, "id\ts1\ts2\np_A\t0.0455003\t\np_B\t\t\np_C\t\t\n")
}

func (s *significanceSuite) TestCommand(c *check.C) {
	tmpdir := c.MkDir()
	in := tmpdir + "/merged.tab"
	c.Assert(os.WriteFile(in, []byte("id\ts1\tna_iter1\tna_iter2\np_A\t0\t-1\t1\n"), 0666), check.IsNil)
	var stdout, stderr bytes.Buffer
	code := (&significancecmd{}).RunCommand("paradigm significance", []string{"-i", in, "-p", tmpdir + "/p.tab.gz"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Equals, "id\ts1\np_A\t0\n")
	pm, err := readMatrixFile(tmpdir + "/p.tab.gz")
	c.Assert(err, check.IsNil)
	row, _ := pm.Row("p_A")
	c.Check(row, check.DeepEquals, []string{"1"})
}
