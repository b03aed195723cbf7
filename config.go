// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Config describes one run. It is loaded once and passed by value
// to every component.
type Config struct {
	Paradigm ParadigmConfig
	Evidence []EvidenceConfig
	Null     NullConfig
	EM       EMConfig
	Merge    MergeConfig
	Arvados  ArvadosConfig
}

type ParadigmConfig struct {
	Executable        string  `hcl:"executable,optional"`
	CollectExecutable string  `hcl:"collect_executable,optional"`
	Inference         string  `hcl:"inference,optional"`
	PathwayDir        string  `hcl:"pathway_dir,optional"`
	DogmaDir          string  `hcl:"dogma_dir,optional"`
	DataDir           string  `hcl:"data_dir,optional"`
	ParamFile         string  `hcl:"param_file,optional"`
	Parallel          int     `hcl:"parallel,optional"`
	TargetJobSeconds  float64 `hcl:"target_job_seconds,optional"`
}

// EvidenceConfig is one data type attached to the pathway nodes.
type EvidenceConfig struct {
	// Attachment is the block label, e.g. "mRNA".
	Attachment string
	File       string    `hcl:"file"`
	Disc       []float64 `hcl:"disc,optional"`
	Reversed   bool      `hcl:"reversed,optional"`
	Epsilon    float64   `hcl:"epsilon,optional"`
	Epsilon0   float64   `hcl:"epsilon0,optional"`
}

// Suffix is the name the evidence file gets in the data directory.
func (e EvidenceConfig) Suffix() string {
	return strings.TrimSuffix(path.Base(e.File), ".gz")
}

// Bins is the number of discrete states: one more than the number
// of boundaries.
func (e EvidenceConfig) Bins() int { return len(e.Disc) + 1 }

type NullConfig struct {
	Batches           int     `hcl:"batches,optional"`
	Size              int     `hcl:"size,optional"`
	Same              bool    `hcl:"same,optional"`
	Prefix            string  `hcl:"prefix,optional"`
	SamplePrefix      string  `hcl:"sample_prefix,optional"`
	Offset            int     `hcl:"offset,optional"`
	MinSampleFraction float64 `hcl:"min_sample_fraction,optional"`
	MinGeneFraction   float64 `hcl:"min_gene_fraction,optional"`
	Union             bool    `hcl:"union,optional"`
	Seed              int64   `hcl:"seed,optional"`
}

func (nc NullConfig) Options() NullOptions {
	return NullOptions{
		Samples:           nc.Size,
		SameSample:        nc.Same,
		SamplePrefix:      nc.SamplePrefix,
		Offset:            nc.Offset,
		MinSampleFraction: nc.MinSampleFraction,
		MinGeneFraction:   nc.MinGeneFraction,
		Union:             nc.Union,
		Seed:              uint64(nc.Seed),
	}
}

type EMConfig struct {
	// Tolerance is the relative log-likelihood improvement below
	// which EM stops.
	Tolerance float64 `hcl:"tolerance,optional"`
	// MaxIters and LogZTol go into the solver's em block.
	MaxIters int     `hcl:"max_iters,optional"`
	LogZTol  float64 `hcl:"log_z_tol,optional"`
	// MaxRounds stops EM after this many rounds even without
	// convergence (0 = no limit).
	MaxRounds int `hcl:"max_rounds,optional"`
}

type MergeConfig struct {
	MinCount int     `hcl:"min_count,optional"`
	Cutoff   float64 `hcl:"cutoff,optional"`
}

type ArvadosConfig struct {
	Project     string  `hcl:"project,optional"`
	Priority    int     `hcl:"priority,optional"`
	VCPUs       int     `hcl:"vcpus,optional"`
	RAM         int64   `hcl:"ram,optional"`
	Preemptible bool    `hcl:"preemptible,optional"`
	SubmitRate  float64 `hcl:"submit_rate,optional"`
	Image       string  `hcl:"image,optional"`
}

func DefaultConfig() Config {
	return Config{
		Paradigm: ParadigmConfig{
			Executable:        "paradigm",
			CollectExecutable: "collectParameters",
			Inference:         "method=JTREE,updates=HUGIN,verbose=1",
			PathwayDir:        "pathways",
			DataDir:           "clusterFiles",
			Parallel:          4,
			TargetJobSeconds:  45,
		},
		Null: NullConfig{
			Batches:           2,
			Size:              500,
			Prefix:            "na_batch",
			SamplePrefix:      "na_iter",
			MinSampleFraction: 0.2,
			MinGeneFraction:   0.2,
		},
		EM: EMConfig{
			Tolerance: 0.001,
			MaxIters:  1,
			LogZTol:   1e-10,
		},
		Merge: MergeConfig{
			MinCount: 1,
			Cutoff:   0.5,
		},
		Arvados: ArvadosConfig{
			Priority:   500,
			VCPUs:      1,
			RAM:        4000000000,
			SubmitRate: 2,
			Image:      "paradigm-runtime",
		},
	}
}

func defaultEvidence(attachment string) EvidenceConfig {
	return EvidenceConfig{
		Attachment: attachment,
		Disc:       []float64{0.333, 0.667},
		Epsilon:    0.01,
		Epsilon0:   0.2,
	}
}

type hclSection struct {
	Body hcl.Body `hcl:",remain"`
}

type hclLabeledSection struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

type hclConfigFile struct {
	Paradigm *hclSection          `hcl:"paradigm,block"`
	Evidence []*hclLabeledSection `hcl:"evidence,block"`
	Null     *hclSection          `hcl:"null,block"`
	EM       *hclSection          `hcl:"em,block"`
	Merge    *hclSection          `hcl:"merge,block"`
	Arvados  *hclSection          `hcl:"arvados,block"`
}

// evalContext exposes the process environment as env.NAME.
func evalContext() *hcl.EvalContext {
	env := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
	}
}

// LoadConfig reads an HCL run description. Attributes that are not
// given keep their DefaultConfig values.
func LoadConfig(filename string) (Config, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", filename, diags)
	}
	return decodeConfig(f, filename)
}

// ParseConfig is LoadConfig for in-memory source.
func ParseConfig(src []byte, filename string) (Config, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", filename, diags)
	}
	return decodeConfig(f, filename)
}

func decodeConfig(f *hcl.File, filename string) (Config, error) {
	var parsed hclConfigFile
	diags := gohcl.DecodeBody(f.Body, nil, &parsed)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to decode config file %s: %w", filename, diags)
	}
	cfg := DefaultConfig()
	ctx := evalContext()
	for _, sect := range []struct {
		block *hclSection
		dst   interface{}
	}{
		{parsed.Paradigm, &cfg.Paradigm},
		{parsed.Null, &cfg.Null},
		{parsed.EM, &cfg.EM},
		{parsed.Merge, &cfg.Merge},
		{parsed.Arvados, &cfg.Arvados},
	} {
		if sect.block == nil {
			continue
		}
		diags = gohcl.DecodeBody(sect.block.Body, ctx, sect.dst)
		if diags.HasErrors() {
			return Config{}, fmt.Errorf("failed to decode config file %s: %w", filename, diags)
		}
	}
	for _, blk := range parsed.Evidence {
		ev := defaultEvidence(blk.Name)
		diags = gohcl.DecodeBody(blk.Body, ctx, &ev)
		if diags.HasErrors() {
			return Config{}, fmt.Errorf("failed to decode config file %s: %w", filename, diags)
		}
		ev.Attachment = blk.Name
		cfg.Evidence = append(cfg.Evidence, ev)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise produce broken job
// lists or solver configs.
func (cfg Config) Validate() error {
	if cfg.Paradigm.Executable == "" || cfg.Paradigm.CollectExecutable == "" {
		return fmt.Errorf("paradigm executables must not be empty")
	}
	if cfg.Paradigm.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if cfg.EM.Tolerance <= 0 {
		return fmt.Errorf("em tolerance must be positive, got %g", cfg.EM.Tolerance)
	}
	if cfg.Null.Batches < 0 || cfg.Null.Size < 0 {
		return fmt.Errorf("null batches and size must not be negative")
	}
	suffixes := map[string]string{}
	for _, ev := range cfg.Evidence {
		if ev.File == "" {
			return fmt.Errorf("evidence %q: file must not be empty", ev.Attachment)
		}
		if len(ev.Disc) == 0 || !sort.Float64sAreSorted(ev.Disc) {
			return fmt.Errorf("evidence %q: disc must be a non-empty ascending list", ev.Attachment)
		}
		if other, dup := suffixes[ev.Suffix()]; dup {
			return fmt.Errorf("evidence %q and %q use the same file name %q", other, ev.Attachment, ev.Suffix())
		}
		suffixes[ev.Suffix()] = ev.Attachment
	}
	return nil
}
