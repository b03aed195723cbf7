// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"errors"
	"fmt"
	"sort"

	"gopkg.in/check.v1"
)

type nullModelSuite struct{}

var _ = check.Suite(&nullModelSuite{})

// testMatrix returns a matrix whose cell (sample, gene) is
// "<tag>:<sample>:<gene>".
func testMatrix(tag string, samples, genes []string) *EvidenceMatrix {
	m := NewEvidenceMatrix("id", genes)
	for _, s := range samples {
		row := make([]string, len(genes))
		for j, g := range genes {
			row[j] = fmt.Sprintf("%s:%s:%s", tag, s, g)
		}
		m.AddRow(s, row)
	}
	return m
}

func names(prefix string, from, to int) []string {
	var out []string
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("%s%d", prefix, i))
	}
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func (s *nullModelSuite) TestSameSampleDeterministic(c *check.C) {
	opts := DefaultNullOptions()
	opts.SameSample = true
	opts.Seed = 42
	var outputs [][]byte
	for i := 0; i < 2; i++ {
		a := testMatrix("a", names("s", 0, 10), names("g", 0, 10))
		b := testMatrix("b", names("s", 0, 10), names("g", 0, 10))
		nm, err := NewNullModel(opts, []*EvidenceMatrix{a, b})
		c.Assert(err, check.IsNil)
		batch := nm.Batch(1)
		outputs = append(outputs, append(batch[0].Bytes(), batch[1].Bytes()...))
	}
	c.Check(string(outputs[0]), check.Equals, string(outputs[1]))
}

func (s *nullModelSuite) TestSameSampleIsPermutation(c *check.C) {
	opts := DefaultNullOptions()
	opts.SameSample = true
	a := testMatrix("a", names("s", 0, 10), names("g", 0, 10))
	b := testMatrix("b", names("s", 0, 10), names("g", 0, 10))
	nm, err := NewNullModel(opts, []*EvidenceMatrix{a, b})
	c.Assert(err, check.IsNil)
	batch := nm.Batch(0)
	c.Check(batch[0].NumRows(), check.Equals, 10)
	for _, sample := range a.Rows() {
		orig, _ := a.Row(sample)
		null, ok := batch[0].Row("na_iter_1_" + sample)
		c.Assert(ok, check.Equals, true)
		c.Check(sortedCopy(null), check.DeepEquals, sortedCopy(orig))
		// the same permutation is used for b
		nullB, _ := batch[1].Row("na_iter_1_" + sample)
		for j := range null {
			c.Check(nullB[j], check.Equals, "b"+null[j][1:])
		}
	}
}

func (s *nullModelSuite) TestIndependentDrawsFromInput(c *check.C) {
	opts := DefaultNullOptions()
	opts.Samples = 7
	opts.Seed = 3
	a := testMatrix("a", names("s", 0, 10), names("g", 0, 10))
	present := map[string]bool{}
	for _, id := range a.Rows() {
		row, _ := a.Row(id)
		for _, v := range row {
			present[v] = true
		}
	}
	nm, err := NewNullModel(opts, []*EvidenceMatrix{a})
	c.Assert(err, check.IsNil)
	for b := 0; b < 2; b++ {
		out := nm.Batch(b)[0]
		c.Check(out.NumRows(), check.Equals, 7)
		c.Check(out.Columns, check.DeepEquals, a.Columns)
		c.Check(out.Rows()[0], check.Equals, fmt.Sprintf("na_iter%d", 1+b*7))
		for _, id := range out.Rows() {
			row, _ := out.Row(id)
			c.Check(row, check.HasLen, 10)
			for _, v := range row {
				c.Check(present[v], check.Equals, true, check.Commentf("%s", v))
			}
		}
	}
}

func (s *nullModelSuite) TestSampleOverlapTooSmall(c *check.C) {
	a := testMatrix("a", names("s", 0, 10), names("g", 0, 10))
	b := testMatrix("b", append(names("t", 0, 9), "s9"), names("g", 0, 10))
	_, err := NewNullModel(DefaultNullOptions(), []*EvidenceMatrix{a, b})
	var ote *OverlapTooSmallError
	c.Assert(errors.As(err, &ote), check.Equals, true)
	c.Check(ote.Kind, check.Equals, "sample")
	c.Check(ote.Fractions, check.DeepEquals, []float64{0.1, 0.1})
}

func (s *nullModelSuite) TestGeneOverlap(c *check.C) {
	a := testMatrix("a", names("s", 0, 10), names("g", 0, 10))
	b := testMatrix("b", names("s", 0, 10), names("g", 2, 12))
	nm, err := NewNullModel(DefaultNullOptions(), []*EvidenceMatrix{a, b})
	c.Assert(err, check.IsNil)
	restricted := nm.Restricted()
	c.Check(restricted[0].Columns, check.DeepEquals, names("g", 2, 10))
	c.Check(restricted[1].Columns, check.DeepEquals, names("g", 2, 10))

	opts := DefaultNullOptions()
	opts.MinGeneFraction = 0.9
	_, err = NewNullModel(opts, []*EvidenceMatrix{
		testMatrix("a", names("s", 0, 10), names("g", 0, 10)),
		testMatrix("b", names("s", 0, 10), names("g", 2, 12)),
	})
	var ote *OverlapTooSmallError
	c.Assert(errors.As(err, &ote), check.Equals, true)
	c.Check(ote.Kind, check.Equals, "gene")
}

func (s *nullModelSuite) TestUnion(c *check.C) {
	opts := DefaultNullOptions()
	opts.Union = true
	a := testMatrix("a", names("s", 0, 3), names("g", 0, 2))
	b := testMatrix("b", names("s", 0, 3), names("h", 0, 2))
	nm, err := NewNullModel(opts, []*EvidenceMatrix{a, b})
	c.Assert(err, check.IsNil)
	restricted := nm.Restricted()
	c.Check(restricted[0].Columns, check.DeepEquals, []string{"g0", "g1", "h0", "h1"})
	row, _ := restricted[0].Row("s0")
	c.Check(row, check.DeepEquals, []string{"a:s0:g0", "a:s0:g1", "NA", "NA"})
}

func (s *nullModelSuite) TestNames(c *check.C) {
	c.Check(NullFileName("na_batch", 0, "data/mRNA.tab"), check.Equals, "na_batch_1_mRNA.tab")
	c.Check(IsNullSample("na_iter3"), check.Equals, true)
	c.Check(IsNullSample("nw_x"), check.Equals, true)
	c.Check(IsNullSample("TCGA-na_1"), check.Equals, false)
}
