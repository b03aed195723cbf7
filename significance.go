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
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

func parseCell(v string) (float64, bool) {
	x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(x) {
		return 0, false
	}
	return x, true
}

// Significance scores every real sample of a merged matrix against
// the null-batch columns of the same row. It returns matrices of z
// scores and two-sided normal p-values with the real columns only.
// Rows with fewer than two null values, or no null variance, get
// blank cells.
func Significance(m *EvidenceMatrix) (z, p *EvidenceMatrix) {
	var realCols, nullCols []int
	var realNames []string
	for i, c := range m.Columns {
		if IsNullSample(c) {
			nullCols = append(nullCols, i)
		} else {
			realCols = append(realCols, i)
			realNames = append(realNames, c)
		}
	}
	z = NewEvidenceMatrix(m.Corner, realNames)
	p = NewEvidenceMatrix(m.Corner, realNames)
	for _, id := range m.Rows() {
		values, _ := m.Row(id)
		var null []float64
		for _, i := range nullCols {
			if x, ok := parseCell(values[i]); ok {
				null = append(null, x)
			}
		}
		zrow := make([]string, len(realCols))
		prow := make([]string, len(realCols))
		mean, sd := 0.0, 0.0
		if len(null) >= 2 {
			mean, sd = stat.MeanStdDev(null, nil)
		}
		if sd > 0 {
			for j, i := range realCols {
				x, ok := parseCell(values[i])
				if !ok {
					continue
				}
				score := (x - mean) / sd
				zrow[j] = strconv.FormatFloat(score, 'g', 6, 64)
				prow[j] = strconv.FormatFloat(2*distuv.UnitNormal.Survival(math.Abs(score)), 'g', 6, 64)
			}
		}
		z.AddRow(id, zrow)
		p.AddRow(id, prow)
	}
	return z, p
}

type significancecmd struct{}

func (cmd *significancecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", MergedAllUnfilteredFile, "merged matrix `file` with real and null columns")
	outputFilename := flags.String("o", "-", "z score output `file`")
	pvalueFilename := flags.String("p", "", "p-value output `file` (default: none)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	m, err := readMatrixFile(*inputFilename)
	if err != nil {
		return 1
	}
	z, p := Significance(m)
	log.Printf("scored %d rows, %d real samples", z.NumRows(), len(z.Columns))
	outputs := []struct {
		fnm string
		m   *EvidenceMatrix
	}{{*outputFilename, z}}
	if *pvalueFilename != "" {
		outputs = append(outputs, struct {
			fnm string
			m   *EvidenceMatrix
		}{*pvalueFilename, p})
	}
	for _, out := range outputs {
		var f io.WriteCloser
		f, err = zcreate(out.fnm, stdout)
		if err != nil {
			return 1
		}
		err = out.m.Write(f)
		if err != nil {
			f.Close()
			return 1
		}
		err = f.Close()
		if err != nil {
			return 1
		}
	}
	return 0
}
