// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"path"
	"regexp"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// PathwaySuffix is the filename suffix of pathway files; the part
// before it is the pathway id.
const PathwaySuffix = "_pathway.tab"

// PathwayID returns the pathway id for a pathway filename.
func PathwayID(fnm string) string {
	return strings.TrimSuffix(path.Base(fnm), PathwaySuffix)
}

// Timings maps a pathway file basename to its average inference
// time per sample, in seconds.
type Timings map[string]float64

var timingsHeader = regexp.MustCompile(`^#\s*samples\s*(\d+)\s*`)

// ReadTimings parses a timings table: a "# samples N" header, then
// "<seconds>\t<pathway file>" lines giving the total time of a run
// over N samples.
func ReadTimings(r io.Reader, name string) (Timings, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, &MalformedInputError{File: name, Reason: "missing samples line"}
	}
	m := timingsHeader.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
	if m == nil {
		return nil, &MalformedInputError{File: name, Line: 1, Reason: "missing samples line"}
	}
	samples, _ := strconv.Atoi(m[1])
	if samples < 1 {
		return nil, &MalformedInputError{File: name, Line: 1, Reason: "samples must be positive"}
	}
	timings := Timings{}
	lineno := 1
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			return nil, &MalformedInputError{File: name, Line: lineno, Reason: fmt.Sprintf("expected 2 fields, found %d", len(fields))}
		}
		seconds, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, &MalformedInputError{File: name, Line: lineno, Reason: err.Error()}
		}
		timings[fields[1]] = seconds / float64(samples)
	}
	return timings, scanner.Err()
}

// Summary returns the mean and standard deviation of the per-sample
// times.
func (t Timings) Summary() (mean, stddev float64) {
	values := make([]float64, 0, len(t))
	for _, v := range t {
		values = append(values, v)
	}
	return stat.MeanStdDev(values, nil)
}

// Partitioner splits each pathway's per-sample work into buckets
// that should each finish in about TargetSeconds.
type Partitioner struct {
	Timings       Timings
	TargetSeconds float64
}

// Buckets returns the number of buckets for running pathwayFile over
// the given number of samples: 1 if there is no timing for it,
// otherwise ceil(time/target), capped at one bucket per sample.
func (p *Partitioner) Buckets(pathwayFile string, samples int) int {
	perSample, ok := p.Timings[path.Base(pathwayFile)]
	if !ok || p.TargetSeconds <= 0 {
		return 1
	}
	n := int(math.Ceil(perSample * float64(samples) / p.TargetSeconds))
	if n > samples {
		n = samples
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Plan describes the inference work of one run.
type Plan struct {
	Executable   string
	DataDir      string
	PathwayFiles []string
	Samples      int
	NullBatches  int
	NullSamples  int
	// NullPrefix is the null evidence file prefix inside DataDir.
	NullPrefix string
}

func (p *Partitioner) records(pathwayFile string, samples int, evidence, config, dir, kind string, batch int) []JobRecord {
	pid := PathwayID(pathwayFile)
	buckets := p.Buckets(pathwayFile, samples)
	recs := make([]JobRecord, buckets)
	for b := range recs {
		recs[b] = JobRecord{
			Pathway:     pid,
			PathwayFile: pathwayFile,
			Bucket:      b,
			Buckets:     buckets,
			EvidenceDir: evidence,
			ConfigFile:  config,
			NullBatch:   batch,
		}
		recs[b].Output = dir + "/" + recs[b].OutputName(kind)
	}
	return recs
}

// EMJobs returns one EM job per pathway bucket, over the real data.
func (p *Partitioner) EMJobs(plan Plan) []Job {
	var jobs []Job
	for _, pf := range plan.PathwayFiles {
		for _, rec := range p.records(pf, plan.Samples, plan.DataDir+"/", ConfigEMFile, EMOutputDir, "learned_parameters", 0) {
			jobs = append(jobs, &EMJob{JobRecord: rec, Executable: plan.Executable})
		}
	}
	return jobs
}

// FinalJobs returns one final job per pathway bucket for the real
// data and for each null batch.
func (p *Partitioner) FinalJobs(plan Plan) []Job {
	var jobs []Job
	for _, pf := range plan.PathwayFiles {
		for _, rec := range p.records(pf, plan.Samples, plan.DataDir+"/", ConfigFile, FinalOutputDir, "output", 0) {
			jobs = append(jobs, &FinalJob{JobRecord: rec, Executable: plan.Executable})
		}
		for b := 1; b <= plan.NullBatches; b++ {
			evidence := fmt.Sprintf("%s/%s_%d_", plan.DataDir, plan.NullPrefix, b)
			for _, rec := range p.records(pf, plan.NullSamples, evidence, ConfigFile, FinalOutputDir, "output", b) {
				jobs = append(jobs, &FinalJob{JobRecord: rec, Executable: plan.Executable})
			}
		}
	}
	return jobs
}
