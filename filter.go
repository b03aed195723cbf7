// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"flag"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// FilterOptions is the minimum-support rule applied to merged
// matrices: keep a row if at least MinCount cells have an absolute
// value of at least Cutoff.
type FilterOptions struct {
	MinCount int
	Cutoff   float64
	// SkipNull ignores null-batch columns when counting.
	SkipNull bool
}

func (f *FilterOptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&f.MinCount, "min-count", 1, "keep rows with at least `N` strong cells")
	flags.Float64Var(&f.Cutoff, "cutoff", 0.5, "a cell is strong if its absolute value is at least `X`")
	flags.BoolVar(&f.SkipNull, "n", false, "ignore null-batch (na_/nw_) columns")
	flags.Func("filter", "set both `count,cutoff` at once, e.g. 1,0.5", f.Set)
}

// Set parses "count,cutoff".
func (f *FilterOptions) Set(s string) error {
	count, cutoff, ok := strings.Cut(s, ",")
	if !ok {
		return fmt.Errorf("filter %q: expected count,cutoff", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil {
		return fmt.Errorf("filter %q: %w", s, err)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(cutoff), 64)
	if err != nil {
		return fmt.Errorf("filter %q: %w", s, err)
	}
	f.MinCount, f.Cutoff = n, x
	return nil
}

// Keep reports whether a row passes the filter.
func (f FilterOptions) Keep(columns, values []string) bool {
	count := 0
	for i, v := range values {
		if f.SkipNull && IsNullSample(columns[i]) {
			continue
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(x) {
			continue
		}
		if math.Abs(x) >= f.Cutoff {
			count++
			if count >= f.MinCount {
				return true
			}
		}
	}
	return count >= f.MinCount
}

// FilterRows returns the identifiers of the rows of m that pass the
// filter, in row order.
func FilterRows(m *EvidenceMatrix, f FilterOptions) []string {
	var keep []string
	for _, id := range m.Rows() {
		values, _ := m.Row(id)
		if f.Keep(m.Columns, values) {
			keep = append(keep, id)
		}
	}
	return keep
}

type filtercmd struct{}

func (cmd *filtercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var opts FilterOptions
	opts.Flags(flags)
	inputFilename := flags.String("i", "-", "input merged matrix `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("extra arguments: %q", flags.Args())
		return 2
	}

	var m *EvidenceMatrix
	if *inputFilename == "-" {
		m, err = ReadEvidenceMatrix(stdin, "stdin")
	} else {
		m, err = readMatrixFile(*inputFilename)
	}
	if err != nil {
		return 1
	}
	keep := FilterRows(m, opts)
	log.Printf("kept %d of %d rows", len(keep), m.NumRows())
	out, err := zcreate(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer out.Close()
	err = m.SelectRows(keep).Write(out)
	if err != nil {
		return 1
	}
	err = out.Close()
	if err != nil {
		return 1
	}
	return 0
}
