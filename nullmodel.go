// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"path"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
)

// OverlapTooSmallError means the input matrices share too few
// samples or features to build a null model from.
type OverlapTooSmallError struct {
	Kind      string // "sample" or "gene"
	Fractions []float64
	Min       float64
}

func (e *OverlapTooSmallError) Error() string {
	return fmt.Sprintf("need at least %g overlap in %ss, fraction of each matrix: %v", e.Min, e.Kind, e.Fractions)
}

type NullOptions struct {
	// Samples is the number of synthetic samples per batch in
	// independent mode. Same-sample mode makes one per real sample.
	Samples int
	// SameSample permutes each real sample's features. One
	// permutation is shared by every matrix of the sample, which
	// keeps the cross-matrix structure and affects calibration.
	SameSample        bool
	SamplePrefix      string
	Offset            int
	MinSampleFraction float64
	MinGeneFraction   float64
	// Union uses the union of feature sets instead of the
	// intersection; the gene overlap minimum is then ignored.
	Union bool
	Seed  uint64
}

func DefaultNullOptions() NullOptions {
	return NullOptions{
		Samples:           500,
		SamplePrefix:      "na_iter",
		MinSampleFraction: 0.2,
		MinGeneFraction:   0.2,
	}
}

// NullModel holds K aligned input matrices, restricted to their
// common samples and features, and produces permuted replicates of
// them batch by batch.
type NullModel struct {
	NullOptions
	inputs  []*EvidenceMatrix
	samples []string
	genes   []string
}

// NewNullModel checks sample and feature overlap and restricts
// every input (in place) to the common feature set.
func NewNullModel(opts NullOptions, inputs []*EvidenceMatrix) (*NullModel, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no input matrices")
	}
	samples := inputs[0].Rows()
	for _, m := range inputs[1:] {
		samples = filterStrings(samples, func(s string) bool { _, ok := m.Row(s); return ok })
	}
	sampleFrac := make([]float64, len(inputs))
	for i, m := range inputs {
		sampleFrac[i] = fraction(len(samples), m.NumRows())
	}
	log.Infof("%d samples, fraction of each matrix: %v", len(samples), sampleFrac)

	genes := append([]string(nil), inputs[0].Columns...)
	minGene := opts.MinGeneFraction
	if opts.Union {
		minGene = 0
		seen := map[string]bool{}
		for _, g := range genes {
			seen[g] = true
		}
		for _, m := range inputs[1:] {
			for _, g := range m.Columns {
				if !seen[g] {
					seen[g] = true
					genes = append(genes, g)
				}
			}
		}
	} else {
		for _, m := range inputs[1:] {
			has := map[string]bool{}
			for _, g := range m.Columns {
				has[g] = true
			}
			genes = filterStrings(genes, func(g string) bool { return has[g] })
		}
	}
	geneFrac := make([]float64, len(inputs))
	for i, m := range inputs {
		geneFrac[i] = fraction(len(genes), len(m.Columns))
	}
	log.Infof("%d genes, fraction of each matrix: %v", len(genes), geneFrac)

	if minFloat(sampleFrac) < opts.MinSampleFraction {
		return nil, &OverlapTooSmallError{Kind: "sample", Fractions: sampleFrac, Min: opts.MinSampleFraction}
	}
	if minFloat(geneFrac) < minGene {
		return nil, &OverlapTooSmallError{Kind: "gene", Fractions: geneFrac, Min: minGene}
	}
	if len(samples) == 0 || len(genes) == 0 {
		return nil, fmt.Errorf("inputs have no samples or genes in common")
	}

	log.Infof("restricting down to %d genes", len(genes))
	for _, m := range inputs {
		m.RestrictColumns(genes)
	}
	return &NullModel{
		NullOptions: opts,
		inputs:      inputs,
		samples:     samples,
		genes:       genes,
	}, nil
}

func (nm *NullModel) numSamples() int {
	if nm.SameSample {
		return len(nm.samples)
	}
	return nm.Samples
}

// Batch returns one null replicate per input matrix for batch b
// (0-based). Each batch draws from its own generator seeded from
// Seed and b, so batches can be produced independently and the same
// seed always gives the same output.
//
// In same-sample mode, synthetic sample i is a permutation of real
// sample i's features, and the same permutation is applied to every
// input matrix. In independent mode every cell picks a sample and a
// feature uniformly at random, again shared across inputs.
func (nm *NullModel) Batch(b int) []*EvidenceMatrix {
	rng := rand.New(rand.NewSource(nm.Seed*1000003 + uint64(b)))
	n := nm.numSamples()
	out := make([]*EvidenceMatrix, len(nm.inputs))
	for k, m := range nm.inputs {
		out[k] = NewEvidenceMatrix(m.Corner, nm.genes)
	}
	numOffset := 1 + nm.Offset + b*n
	randomS := make([]string, len(nm.genes))
	for i := 0; i < n; i++ {
		var randomG []int
		var name string
		if nm.SameSample {
			randomG = rng.Perm(len(nm.genes))
			for j := range randomS {
				randomS[j] = nm.samples[i]
			}
			name = fmt.Sprintf("%s_%d_%s", nm.SamplePrefix, b+1, nm.samples[i])
		} else {
			randomG = make([]int, len(nm.genes))
			for j := range randomG {
				randomG[j] = rng.Intn(len(nm.genes))
				randomS[j] = nm.samples[rng.Intn(len(nm.samples))]
			}
			name = fmt.Sprintf("%s%d", nm.SamplePrefix, i+numOffset)
		}
		for k, m := range nm.inputs {
			row := make([]string, len(randomG))
			for j, g := range randomG {
				values, _ := m.Row(randomS[j])
				row[j] = values[g]
			}
			out[k].AddRow(name, row)
		}
	}
	return out
}

// Restricted returns the inputs limited to the common samples and
// features, before any permutation.
func (nm *NullModel) Restricted() []*EvidenceMatrix {
	out := make([]*EvidenceMatrix, len(nm.inputs))
	for k, m := range nm.inputs {
		out[k] = m.SelectRows(nm.samples)
	}
	return out
}

// NullFileName is the name of batch b's replicate of the evidence
// file fnm: "<prefix>_<b+1>_<basename>".
func NullFileName(prefix string, b int, fnm string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, b+1, path.Base(fnm))
}

// IsNullSample reports whether a sample name belongs to a null
// batch.
func IsNullSample(name string) bool {
	return strings.HasPrefix(name, "na_") || strings.HasPrefix(name, "nw_")
}

func filterStrings(in []string, keep func(string) bool) []string {
	var out []string
	for _, s := range in {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func fraction(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of)
}

func minFloat(x []float64) float64 {
	lo := x[0]
	for _, v := range x[1:] {
		if v < lo {
			lo = v
		}
	}
	return lo
}

type nullcmd struct{}

func (cmd *nullcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	defaults := DefaultConfig().Null
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	filePrefix := flags.String("prefix", defaults.Prefix, "output file name `prefix`")
	writeRestricted := flags.Bool("write-restricted", false, "also write the inputs restricted to common samples and genes (true_<file>)")
	opts := defaults.Options()
	flags.IntVar(&opts.Samples, "samples", opts.Samples, "synthetic samples per batch (independent mode)")
	flags.BoolVar(&opts.SameSample, "same", false, "permute each real sample instead of drawing cells independently")
	flags.StringVar(&opts.SamplePrefix, "sample-prefix", opts.SamplePrefix, "synthetic sample name `prefix`")
	flags.IntVar(&opts.Offset, "offset", 0, "first synthetic sample number minus one")
	flags.Uint64Var(&opts.Seed, "seed", 0, "random `seed`")
	flags.Float64Var(&opts.MinSampleFraction, "min-sample-fraction", opts.MinSampleFraction, "minimum sample overlap fraction")
	flags.Float64Var(&opts.MinGeneFraction, "min-gene-fraction", opts.MinGeneFraction, "minimum gene overlap fraction")
	flags.BoolVar(&opts.Union, "union", false, "use the union of genes instead of the intersection")
	var batches batchArgs
	batches.Flags(flags, defaults.Batches)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	inputs := flags.Args()
	if len(inputs) == 0 {
		err = errors.New("no input files specified")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		var outputs []string
		outputs, err = batches.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
			runner := arvadosContainerRunner{
				Name:        fmt.Sprintf("paradigm null batch %d/%d", batch+1, batches.batches),
				Client:      arvados.NewClientFromEnv(),
				ProjectUUID: *projectUUID,
				RAM:         8000000000,
				VCPUs:       1,
				Priority:    *priority,
			}
			runInputs := append([]string(nil), inputs...)
			for i := range runInputs {
				if err := runner.TranslatePaths(&runInputs[i]); err != nil {
					return "", err
				}
			}
			runner.Args = append([]string{"null", "-local=true",
				"-output-dir", "/mnt/output",
				"-prefix", *filePrefix,
				fmt.Sprintf("-samples=%d", opts.Samples),
				fmt.Sprintf("-same=%v", opts.SameSample),
				"-sample-prefix", opts.SamplePrefix,
				fmt.Sprintf("-offset=%d", opts.Offset),
				fmt.Sprintf("-seed=%d", opts.Seed),
				fmt.Sprintf("-min-sample-fraction=%g", opts.MinSampleFraction),
				fmt.Sprintf("-min-gene-fraction=%g", opts.MinGeneFraction),
				fmt.Sprintf("-union=%v", opts.Union),
				fmt.Sprintf("-write-restricted=%v", *writeRestricted && batch == 0),
			}, batches.Args(batch)...)
			runner.Args = append(runner.Args, runInputs...)
			return runner.RunContext(ctx)
		})
		if err != nil {
			return 1
		}
		for _, output := range outputs {
			fmt.Fprintln(stdout, output)
		}
		return 0
	}

	mats := make([]*EvidenceMatrix, len(inputs))
	for i, fnm := range inputs {
		mats[i], err = readMatrixFile(fnm)
		if err != nil {
			return 1
		}
	}
	nm, err := NewNullModel(opts, mats)
	if err != nil {
		return 1
	}
	if *writeRestricted {
		for i, m := range nm.Restricted() {
			err = writeMatrixFile(*outputDir+"/true_"+path.Base(inputs[i]), m)
			if err != nil {
				return 1
			}
		}
	}
	_, err = batches.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
		for i, m := range nm.Batch(batch) {
			fnm := *outputDir + "/" + NullFileName(*filePrefix, batch, inputs[i])
			if err := writeMatrixFile(fnm, m); err != nil {
				return "", err
			}
			log.Printf("wrote %s", fnm)
		}
		return *outputDir, nil
	})
	if err != nil {
		return 1
	}
	return 0
}
