// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"os"

	"gopkg.in/check.v1"
)

type configSuite struct{}

var _ = check.Suite(&configSuite{})

func (s *configSuite) TestDefaults(c *check.C) {
	cfg, err := ParseConfig([]byte(`
evidence "mRNA" {
  file = "data/mRNA.tab"
}
`), "paradigm.hcl")
	c.Assert(err, check.IsNil)
	c.Check(cfg.Paradigm, check.DeepEquals, DefaultConfig().Paradigm)
	c.Check(cfg.EM, check.Equals, DefaultConfig().EM)
	c.Assert(cfg.Evidence, check.HasLen, 1)
	c.Check(cfg.Evidence[0].Attachment, check.Equals, "mRNA")
	c.Check(cfg.Evidence[0].Disc, check.DeepEquals, []float64{0.333, 0.667})
	c.Check(cfg.Evidence[0].Epsilon0, check.Equals, 0.2)
	c.Check(cfg.Evidence[0].Suffix(), check.Equals, "mRNA.tab")
	c.Check(cfg.Evidence[0].Bins(), check.Equals, 3)
}

func (s *configSuite) TestOverrides(c *check.C) {
	os.Setenv("PARADIGM_TEST_PROJECT", "zzzzz-j7d0g-0123456789abcde")
	defer os.Unsetenv("PARADIGM_TEST_PROJECT")
	cfg, err := ParseConfig([]byte(`
paradigm {
  parallel = 16
  dogma_dir = "dogma"
}
evidence "mRNA" {
  file     = "data/mRNA.tab.gz"
  disc     = [-1.5, 0, 1.5]
  reversed = true
}
evidence "cna" {
  file = "data/cna.tab"
}
null {
  batches = 5
  same    = true
  seed    = 7
}
em {
  tolerance  = 0.01
  max_rounds = 20
}
merge {
  min_count = 2
}
arvados {
  project = env.PARADIGM_TEST_PROJECT
  submit_rate = 0.5
}
`), "paradigm.hcl")
	c.Assert(err, check.IsNil)
	c.Check(cfg.Paradigm.Parallel, check.Equals, 16)
	c.Check(cfg.Paradigm.DogmaDir, check.Equals, "dogma")
	c.Check(cfg.Paradigm.Executable, check.Equals, "paradigm")
	c.Assert(cfg.Evidence, check.HasLen, 2)
	c.Check(cfg.Evidence[0].Disc, check.DeepEquals, []float64{-1.5, 0, 1.5})
	c.Check(cfg.Evidence[0].Reversed, check.Equals, true)
	c.Check(cfg.Evidence[0].Bins(), check.Equals, 4)
	c.Check(cfg.Evidence[1].Attachment, check.Equals, "cna")
	c.Check(cfg.Null.Batches, check.Equals, 5)
	c.Check(cfg.Null.Size, check.Equals, 500)
	c.Check(cfg.Null.Options().SameSample, check.Equals, true)
	c.Check(cfg.Null.Options().Seed, check.Equals, uint64(7))
	c.Check(cfg.EM.Tolerance, check.Equals, 0.01)
	c.Check(cfg.EM.MaxRounds, check.Equals, 20)
	c.Check(cfg.EM.MaxIters, check.Equals, 1)
	c.Check(cfg.Merge, check.Equals, MergeConfig{MinCount: 2, Cutoff: 0.5})
	c.Check(cfg.Arvados.Project, check.Equals, "zzzzz-j7d0g-0123456789abcde")
	c.Check(cfg.Arvados.SubmitRate, check.Equals, 0.5)
	c.Check(cfg.Arvados.Priority, check.Equals, 500)
}

func (s *configSuite) TestInvalid(c *check.C) {
	for _, trial := range []struct {
		src string
		err string
	}{
		{`paradigm {`, `(?s)failed to parse config file.*`},
		{`bogus {}`, `(?s)failed to decode config file.*`},
		{`em {
  tolerance = 0
}`, `(?s).*em tolerance must be positive.*`},
		{`evidence "a" {
  file = "x/a.tab"
  disc = [1, 0]
}`, `(?s).*disc must be a non-empty ascending list`},
		{`evidence "a" {
  file = "x/a.tab"
}
evidence "b" {
  file = "y/a.tab.gz"
}`, `(?s).*evidence "a" and "b" use the same file name "a.tab"`},
		{`evidence "a" {
}`, `(?s)failed to decode config file.*`},
		{`arvados {
  project = env.PARADIGM_NO_SUCH_VARIABLE
}`, `(?s)failed to decode config file.*`},
	} {
		_, err := ParseConfig([]byte(trial.src), "paradigm.hcl")
		c.Check(err, check.ErrorMatches, trial.err, check.Commentf("%s", trial.src))
	}
}

func (s *configSuite) TestLoadConfig(c *check.C) {
	fnm := c.MkDir() + "/paradigm.hcl"
	c.Assert(os.WriteFile(fnm, []byte("paradigm {\n  data_dir = \"evidence\"\n}\n"), 0666), check.IsNil)
	cfg, err := LoadConfig(fnm)
	c.Assert(err, check.IsNil)
	c.Check(cfg.Paradigm.DataDir, check.Equals, "evidence")
	c.Check(cfg.Evidence, check.HasLen, 0)

	_, err = LoadConfig(fnm + ".missing")
	c.Check(err, check.NotNil)
}
