// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// ParamsHeader starts every parameter file before the first EM
// round.
const ParamsHeader = "> parameters em_iters=0 logZ=-1e300\n"

var logZRe = regexp.MustCompile(`logZ=([0-9.e+-]*)`)

// ReadLogZ returns the total log-likelihood recorded in the header
// line of a parameter file.
func ReadLogZ(data []byte, name string) (float64, error) {
	header := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		header = data[:i]
	}
	m := logZRe.FindSubmatch(header)
	if m == nil {
		return 0, &MalformedInputError{File: name, Line: 1, Reason: "no logZ in parameter header"}
	}
	v, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return 0, &MalformedInputError{File: name, Line: 1, Reason: err.Error()}
	}
	return v, nil
}

func normalize(x []float64) []float64 {
	sum := 0.0
	for _, v := range x {
		sum += v
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v / sum
	}
	return out
}

// InitParams returns the initial conditional probability table for
// an evidence type with the given number of bins: a "down" row
// weighted toward the low bins, a "zero" row peaked in the middle,
// and an "up" row weighted toward the high bins. Reversed evidence
// swaps up and down.
func InitParams(bins int, reverse bool) []float64 {
	ramp := make([]float64, bins)
	for i := range ramp {
		ramp[i] = float64(i + 1)
	}
	base := normalize(ramp)
	up := append([]float64(nil), base...)
	if reverse {
		reverseFloats(up)
	}
	zero := make([]float64, bins)
	for i := range zero {
		j := i
		if bins-i-1 < j {
			j = bins - i - 1
		}
		zero[i] = base[j]
	}
	zero = normalize(zero)
	down := append([]float64(nil), up...)
	reverseFloats(down)
	table := append(down, zero...)
	return append(table, up...)
}

func reverseFloats(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}

const mutationParams = `> shared CondProbEstimation [pseudo_count=1,target_dim=3,total_dim=9] %s=codeMut
0.0
0.2
0.8
0.9998
0.0001
0.0001
0.0
0.2
0.8
`

const mutationParamsMask = `> mask shared CondProbEstimation [pseudo_count=1,target_dim=3,total_dim=9] %s=codeMut
0
nan
nan
nan
nan
nan
0
nan
nan
`

// ReadStoredParams reads a parameter file into a map from
// attachment name to the block body, so a new run can start from
// previously learned tables.
func ReadStoredParams(r io.Reader) (map[string]string, error) {
	stored := map[string]string{}
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return stored, scanner.Err()
	}
	attachment := ""
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, ">") {
			parts := strings.Split(line, "=")
			attachment = parts[len(parts)-1]
			stored[attachment] = ""
			continue
		}
		stored[attachment] += line + "\n"
	}
	return stored, scanner.Err()
}

// WriteBaseParams writes the iteration-0 parameter file: the header
// and one block per evidence type, taken from stored when it has an
// entry for the attachment. It returns the mask lines for evidence
// types that need them, which belong in mask.params.
func WriteBaseParams(w io.Writer, evidence []EvidenceConfig, stored map[string]string) (mask string, err error) {
	bufw := bufio.NewWriter(w)
	bufw.WriteString(ParamsHeader)
	for _, e := range evidence {
		if e.Attachment == "codeMut" {
			fmt.Fprintf(bufw, mutationParams, e.Suffix())
			mask += fmt.Sprintf(mutationParamsMask, e.Suffix())
			continue
		}
		bins := e.Bins()
		fmt.Fprintf(bufw, "> shared CondProbEstimation [pseudo_count=1,target_dim=%d,total_dim=%d] %s=%s\n", bins, 3*bins, e.Suffix(), e.Attachment)
		if body, ok := stored[e.Attachment]; ok {
			bufw.WriteString(body)
			continue
		}
		for _, v := range InitParams(bins, e.Reversed) {
			bufw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			bufw.WriteByte('\n')
		}
	}
	return mask, bufw.Flush()
}
