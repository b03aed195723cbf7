// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"
)

const (
	ConfigFile     = "config.txt"
	ConfigEMFile   = "configEM.txt"
	JobsFile       = "jobs.list"
	JobsEMFile     = "jobsEM.list"
	ParamsFile     = "params.txt"
	EMOutputDir    = "outputFilesEM"
	FinalOutputDir = "outputFiles"
)

// Invocation is one external command: the executable, its
// arguments, and the run-relative paths it is expected to produce.
type Invocation struct {
	Executable string
	Args       []string
	// Dir is the working directory relative to the run root.
	Dir string
	// Outputs are the run-relative files the command writes.
	Outputs []string
	// Stdout, if not empty, is a run-relative file that receives
	// the command's standard output.
	Stdout string
}

// Validate checks that the invocation can be written as one line of
// a job list and that its outputs stay inside the run directory.
func (inv Invocation) Validate() error {
	if inv.Executable == "" {
		return errors.New("invocation has no executable")
	}
	for _, s := range append([]string{inv.Executable}, inv.Args...) {
		if s == "" || strings.ContainsAny(s, " \t\r\n") {
			return fmt.Errorf("invalid argument %q: empty or contains whitespace", s)
		}
	}
	if len(inv.Outputs) == 0 {
		return fmt.Errorf("%s: no expected outputs", inv.Executable)
	}
	for _, o := range append(append([]string{inv.Dir}, inv.Outputs...), inv.Stdout) {
		if o == "" {
			continue
		}
		if clean := path.Clean(o); path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("path %q is outside the run directory", o)
		}
	}
	return nil
}

// CommandLine returns the invocation as one job-list line.
func (inv Invocation) CommandLine() string {
	return strings.Join(append([]string{inv.Executable}, inv.Args...), " ")
}

// Outcome is the result of dispatching an invocation.
type Outcome struct {
	ExitCode int
	Err      error
}

func (o Outcome) Failed() bool { return o.Err != nil || o.ExitCode != 0 }

func (o Outcome) String() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return fmt.Sprintf("exit code %d", o.ExitCode)
}

type JobTag string

const (
	TagEM      JobTag = "em"
	TagFinal   JobTag = "final"
	TagCollect JobTag = "collect"
	TagMerge   JobTag = "merge"
)

// Job is a unit of work for one round. The engine only looks at the
// tag and the invocations.
type Job interface {
	Tag() JobTag
	// Invocations are run in order; a job fails if any of them
	// does.
	Invocations() []Invocation
}

// JobRecord identifies one pathway/bucket/batch inference run.
type JobRecord struct {
	Pathway     string
	PathwayFile string
	Bucket      int
	Buckets     int
	EvidenceDir string
	ConfigFile  string
	Output      string
	// NullBatch is 0 for real data, otherwise the 1-based null
	// batch.
	NullBatch int
}

// OutputName returns "<pid>[_b<bucket>_<buckets>][_batch_<k>]_<kind>.fa".
func (r JobRecord) OutputName(kind string) string {
	name := r.Pathway
	if r.Buckets > 1 {
		name += fmt.Sprintf("_b%d_%d", r.Bucket, r.Buckets)
	}
	if r.NullBatch > 0 {
		name += fmt.Sprintf("_batch_%d", r.NullBatch)
	}
	return name + "_" + kind + ".fa"
}

func (r JobRecord) args(outflag string) []string {
	args := []string{"-p", r.PathwayFile, "-c", r.ConfigFile, "-b", r.EvidenceDir, outflag, r.Output}
	if r.Buckets > 1 {
		args = append(args, "-s", fmt.Sprintf("%d,%d", r.Bucket, r.Buckets))
	}
	return args
}

// EMJob produces a pathway's learned parameter file for one EM
// iteration.
type EMJob struct {
	JobRecord
	Executable string
}

func (j *EMJob) Tag() JobTag { return TagEM }

func (j *EMJob) Invocations() []Invocation {
	return []Invocation{{
		Executable: j.Executable,
		Args:       j.args("-e"),
		Outputs:    []string{j.Output},
	}}
}

// FinalJob produces a pathway's entity scores with the converged
// parameters.
type FinalJob struct {
	JobRecord
	Executable string
}

func (j *FinalJob) Tag() JobTag { return TagFinal }

func (j *FinalJob) Invocations() []Invocation {
	return []Invocation{{
		Executable: j.Executable,
		Args:       j.args("-o"),
		Outputs:    []string{j.Output},
	}}
}

// CollectJob consolidates the learned parameter files of one EM
// iteration into the next iteration's parameter file.
type CollectJob struct {
	Executable string
	Iteration  int
	Learned    []string
	// Optional mask files; empty if absent.
	ExpectationsMask string
	ParamsMask       string
	// Scratch receives the combined expectations.
	Scratch string
	Output  string
}

func (j *CollectJob) Tag() JobTag { return TagCollect }

func (j *CollectJob) Invocations() []Invocation {
	gather := append([]string{"-p"}, j.Learned...)
	if j.ExpectationsMask != "" {
		gather = append(gather, j.ExpectationsMask)
	}
	consolidate := []string{"-o", j.Output, j.Scratch}
	if j.ParamsMask != "" {
		consolidate = append(consolidate, j.ParamsMask)
	}
	return []Invocation{
		{Executable: j.Executable, Args: gather, Stdout: j.Scratch, Outputs: []string{j.Scratch}},
		{Executable: j.Executable, Args: consolidate, Outputs: []string{j.Output}},
	}
}

// MergeJob assembles the final outputs into the merged matrices. It
// runs in-process, so it has no invocations.
type MergeJob struct {
	OutputDir string
	Filter    FilterOptions
}

func (j *MergeJob) Tag() JobTag { return TagMerge }

func (j *MergeJob) Invocations() []Invocation { return nil }

// WriteJobList writes one command line per invocation.
func WriteJobList(w io.Writer, jobs []Job) error {
	bufw := bufio.NewWriter(w)
	for _, job := range jobs {
		for _, inv := range job.Invocations() {
			if err := inv.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(bufw, inv.CommandLine())
		}
	}
	return bufw.Flush()
}

var outputNameRe = regexp.MustCompile(`^(.+?)(?:_b(\d+)_(\d+))?(?:_batch_(\d+))?_(output|learned_parameters)\.fa$`)

// ParseOutputName splits an inference output filename into its
// pathway id, bucket, bucket count and null batch (0 for real data).
func ParseOutputName(fnm string) (rec JobRecord, ok bool) {
	m := outputNameRe.FindStringSubmatch(path.Base(fnm))
	if m == nil {
		return JobRecord{}, false
	}
	rec.Pathway = m[1]
	rec.Buckets = 1
	if m[2] != "" {
		rec.Bucket, _ = strconv.Atoi(m[2])
		rec.Buckets, _ = strconv.Atoi(m[3])
	}
	if m[4] != "" {
		rec.NullBatch, _ = strconv.Atoi(m[4])
	}
	return rec, true
}

// ReadJobList parses a job list written by WriteJobList back into EM
// and final jobs.
func ReadJobList(r io.Reader, name string) ([]Job, error) {
	var jobs []Job
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		bad := func(format string, args ...interface{}) error {
			return &MalformedInputError{File: name, Line: lineno, Reason: fmt.Sprintf(format, args...)}
		}
		var rec JobRecord
		rec.Buckets = 1
		outflag := ""
		for i := 1; i < len(fields); i += 2 {
			if i+1 >= len(fields) {
				return nil, bad("flag %s has no value", fields[i])
			}
			val := fields[i+1]
			switch fields[i] {
			case "-p":
				rec.PathwayFile = val
				rec.Pathway = PathwayID(val)
			case "-c":
				rec.ConfigFile = val
			case "-b":
				rec.EvidenceDir = val
			case "-e", "-o":
				outflag = fields[i]
				rec.Output = val
			case "-s":
				if _, err := fmt.Sscanf(val, "%d,%d", &rec.Bucket, &rec.Buckets); err != nil {
					return nil, bad("invalid bucket spec %q", val)
				}
			default:
				return nil, bad("unknown flag %q", fields[i])
			}
		}
		if rec.PathwayFile == "" || rec.ConfigFile == "" || rec.EvidenceDir == "" || outflag == "" {
			return nil, bad("incomplete job line")
		}
		if parsed, ok := ParseOutputName(rec.Output); ok {
			rec.NullBatch = parsed.NullBatch
		}
		if outflag == "-e" {
			jobs = append(jobs, &EMJob{JobRecord: rec, Executable: fields[0]})
		} else {
			jobs = append(jobs, &FinalJob{JobRecord: rec, Executable: fields[0]})
		}
	}
	return jobs, scanner.Err()
}
