// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Merged output files, written to the run root.
const (
	MergedAllUnfilteredFile = "merge_merged_unfiltered.all.tab"
	MergedUnfilteredFile    = "merge_merged_unfiltered.tab"
	MergedFile              = "merge_merged.tab"
	MergedAllFile           = "merge_merged.all.tab"
)

// score is one entity's value for one sample in one pathway.
type score struct {
	sample string
	entity string
	value  string
}

// parseScores reads one inference output file. The solver's native
// format has a "> sample loglikelihood=..." line per sample followed
// by "entity<TAB>score" lines; anything else is read as an
// entity-by-sample matrix.
func parseScores(data []byte, name string) ([]score, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\r\n"), []byte(">")) {
		m, err := ReadEvidenceMatrix(bytes.NewReader(data), name)
		if err != nil {
			return nil, err
		}
		var scores []score
		for _, entity := range m.Rows() {
			values, _ := m.Row(entity)
			for i, v := range values {
				scores = append(scores, score{sample: m.Columns[i], entity: entity, value: v})
			}
		}
		return scores, nil
	}
	var scores []score
	sample := ""
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, ">") {
			fields := strings.Fields(line[1:])
			if len(fields) == 0 {
				return nil, &MalformedInputError{File: name, Line: lineno, Reason: "sample header has no name"}
			}
			sample = fields[0]
			continue
		}
		if sample == "" {
			return nil, &MalformedInputError{File: name, Line: lineno, Reason: "score before first sample header"}
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			return nil, &MalformedInputError{File: name, Line: lineno, Reason: fmt.Sprintf("expected 2 fields, found %d", len(fields))}
		}
		scores = append(scores, score{sample: sample, entity: fields[0], value: fields[1]})
	}
	return scores, scanner.Err()
}

// ResultMerger assembles the per-pathway, per-bucket outputs of the
// final run into entity-by-sample matrices.
type ResultMerger struct {
	State     RunState
	OutputDir string
	Filter    FilterOptions
}

// MergedResult holds the four merged matrices.
type MergedResult struct {
	// All has every sample, including null batches.
	All *EvidenceMatrix
	// Real has only real samples.
	Real *EvidenceMatrix
	// Filtered is Real limited to rows that pass the support
	// filter; FilteredAll is All limited to the same rows.
	Filtered    *EvidenceMatrix
	FilteredAll *EvidenceMatrix
}

// Merge reads every output file in OutputDir. Rows are
// "<pathway>_<entity>" in sorted order; columns are samples in the
// order first seen. Cells a pathway has no value for are blank.
func (rm *ResultMerger) Merge() (*MergedResult, error) {
	names, err := rm.State.List(rm.OutputDir)
	if err != nil {
		return nil, err
	}
	var columns []string
	colIndex := map[string]int{}
	cells := map[string]map[int]string{}
	files := 0
	for _, name := range names {
		rec, ok := ParseOutputName(name)
		if !ok || strings.HasSuffix(name, "_learned_parameters.fa") {
			continue
		}
		key := rm.OutputDir + "/" + name
		data, err := rm.State.Read(key)
		if err != nil {
			return nil, err
		}
		scores, err := parseScores(data, key)
		if err != nil {
			return nil, err
		}
		files++
		for _, s := range scores {
			col, ok := colIndex[s.sample]
			if !ok {
				col = len(columns)
				colIndex[s.sample] = col
				columns = append(columns, s.sample)
			}
			row := rec.Pathway + "_" + s.entity
			if cells[row] == nil {
				cells[row] = map[int]string{}
			}
			if _, dup := cells[row][col]; dup {
				log.Warnf("%s: duplicate value for %s in sample %s", key, s.entity, s.sample)
			}
			cells[row][col] = s.value
		}
	}
	if files == 0 {
		return nil, fmt.Errorf("no inference outputs found in %s", rm.OutputDir)
	}
	log.Printf("merged %d output files: %d rows, %d samples", files, len(cells), len(columns))

	rows := make([]string, 0, len(cells))
	for row := range cells {
		rows = append(rows, row)
	}
	sort.Strings(rows)
	all := NewEvidenceMatrix("id", columns)
	for _, row := range rows {
		values := make([]string, len(columns))
		for col, v := range cells[row] {
			values[col] = v
		}
		all.AddRow(row, values)
	}

	res := &MergedResult{All: all}
	res.Real = all.SelectColumns(func(c string) bool { return !IsNullSample(c) })
	filter := rm.Filter
	filter.SkipNull = true
	keep := FilterRows(res.Real, filter)
	res.Filtered = res.Real.SelectRows(keep)
	res.FilteredAll = all.SelectRows(keep)
	return res, nil
}

// Write stores the merged matrices in the run root.
func (rm *ResultMerger) Write(res *MergedResult) error {
	for _, out := range []struct {
		key string
		m   *EvidenceMatrix
	}{
		{MergedAllUnfilteredFile, res.All},
		{MergedUnfilteredFile, res.Real},
		{MergedFile, res.Filtered},
		{MergedAllFile, res.FilteredAll},
	} {
		err := rm.State.AtomicWrite(out.key, out.m.Bytes())
		if err != nil {
			return err
		}
		log.Printf("wrote %s (%d rows)", out.key, out.m.NumRows())
	}
	return nil
}

type mergecmd struct{}

func (cmd *mergecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	runDir := flags.String("run-dir", ".", "run `directory`")
	outputDir := flags.String("output-dir", FinalOutputDir, "inference output `directory`, relative to the run directory")
	var filter FilterOptions
	filter.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	rm := &ResultMerger{
		State:     NewDirState(*runDir),
		OutputDir: *outputDir,
		Filter:    filter,
	}
	res, err := rm.Merge()
	if err != nil {
		return 1
	}
	err = rm.Write(res)
	if err != nil {
		return 1
	}
	return 0
}
