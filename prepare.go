// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/ucsc-cgl/paradigm/pathway"
)

// Files in a dogma directory that replace the solver config
// preambles. Other regular files are copied into the run root.
const (
	DogmaConfigTop   = "configTop.txt"
	DogmaConfigTopEM = "configTopEM.txt"
	TimingsFile      = "timings.tab"
	MaskParamsFile   = "mask.params"
)

var standardAttachments = map[string]bool{
	"genome":  true,
	"mRNA":    true,
	"protein": true,
	"active":  true,
	"codeMut": true,
}

// Preparer lays out a run directory: evidence and null batches in
// the data dir, pathway files, solver configs, the iteration-0
// parameter file and both job lists.
type Preparer struct {
	Config Config
	State  RunState
	// CommandLine is recorded as a comment at the top of the EM
	// solver config.
	CommandLine string
}

func (p *Preparer) dataKey(name string) string {
	return p.Config.Paradigm.DataDir + "/" + name
}

// Prepare writes everything the engine needs. It fails before
// writing any job list if the evidence overlap is too small.
func (p *Preparer) Prepare(ctx context.Context) error {
	cfg := p.Config
	if len(cfg.Evidence) == 0 {
		return errors.New("no evidence configured")
	}
	if err := p.State.Mkdir(cfg.Paradigm.DataDir); err != nil {
		return err
	}

	mats := make([]*EvidenceMatrix, len(cfg.Evidence))
	for i, ev := range cfg.Evidence {
		if !standardAttachments[ev.Attachment] {
			log.Warnf("evidence %s: non-standard attachment %q", ev.File, ev.Attachment)
		}
		m, err := readMatrixFile(ev.File)
		if err != nil {
			return err
		}
		mats[i] = m
		err = p.State.AtomicWrite(p.dataKey(ev.Suffix()), m.Bytes())
		if err != nil {
			return err
		}
	}
	samples := mats[0].NumRows()

	nullSamples := 0
	if cfg.Null.Batches > 0 {
		nm, err := NewNullModel(cfg.Null.Options(), mats)
		if err != nil {
			return err
		}
		nullSamples = nm.numSamples()
		batches := batchArgs{batch: -1, batches: cfg.Null.Batches}
		_, err = batches.RunBatches(ctx, func(ctx context.Context, batch int) (string, error) {
			for i, m := range nm.Batch(batch) {
				key := p.dataKey(NullFileName(cfg.Null.Prefix, batch, cfg.Evidence[i].Suffix()))
				if err := p.State.AtomicWrite(key, m.Bytes()); err != nil {
					return "", err
				}
			}
			return "", ctx.Err()
		})
		if err != nil {
			return err
		}
		log.Printf("wrote %d null batches of %d samples", cfg.Null.Batches, nullSamples)
	}

	pathwayFiles, err := p.copyPathways()
	if err != nil {
		return err
	}

	top, maskBase, err := p.applyDogma()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n", p.CommandLine)
	if err = WriteSolverConfigEM(&buf, top, cfg); err != nil {
		return err
	}
	if err = p.State.AtomicWrite(ConfigEMFile, buf.Bytes()); err != nil {
		return err
	}
	buf.Reset()
	if err = WriteSolverConfig(&buf, top, cfg); err != nil {
		return err
	}
	if err = p.State.AtomicWrite(ConfigFile, buf.Bytes()); err != nil {
		return err
	}

	if err = p.writeBaseParams(maskBase); err != nil {
		return err
	}
	if err = p.State.Link(ParamsFile, paramsFile(0)); err != nil {
		return err
	}

	part := &Partitioner{TargetSeconds: cfg.Paradigm.TargetJobSeconds}
	part.Timings, err = readTimingsFile(filepath.Join(cfg.Paradigm.PathwayDir, TimingsFile))
	if err != nil {
		return err
	}
	plan := Plan{
		Executable:   cfg.Paradigm.Executable,
		DataDir:      cfg.Paradigm.DataDir,
		PathwayFiles: pathwayFiles,
		Samples:      samples,
		NullBatches:  cfg.Null.Batches,
		NullSamples:  nullSamples,
		NullPrefix:   cfg.Null.Prefix,
	}
	for _, list := range []struct {
		key  string
		jobs []Job
	}{
		{JobsEMFile, part.EMJobs(plan)},
		{JobsFile, part.FinalJobs(plan)},
	} {
		buf.Reset()
		if err = WriteJobList(&buf, list.jobs); err != nil {
			return err
		}
		if err = p.State.AtomicWrite(list.key, buf.Bytes()); err != nil {
			return err
		}
		log.Printf("wrote %s (%d jobs)", list.key, len(list.jobs))
	}
	return nil
}

// copyPathways checks that every pathway file in the pathway dir
// parses, copies it into the data dir, and returns the run-relative
// names.
func (p *Preparer) copyPathways() ([]string, error) {
	dir := p.Config.Paradigm.PathwayDir
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, ent := range ents {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), PathwaySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			return nil, err
		}
		g, err := pathway.Load(bytes.NewReader(data), PathwayID(ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ent.Name(), err)
		}
		for _, d := range g.Clone().Validate() {
			if d.Kind != pathway.Components {
				log.Warnf("%s: %s", ent.Name(), d)
			}
		}
		key := p.dataKey(ent.Name())
		if err := p.State.AtomicWrite(key, data); err != nil {
			return nil, err
		}
		files = append(files, key)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no *%s files in %s", PathwaySuffix, dir)
	}
	sort.Strings(files)
	return files, nil
}

// applyDogma copies the dogma directory into the run root and
// returns the solver config preambles, overridden by the dogma's if
// present, and the dogma's mask.params content.
func (p *Preparer) applyDogma() (top SolverConfigTop, maskBase []byte, err error) {
	top = DefaultSolverConfigTop()
	dir := p.Config.Paradigm.DogmaDir
	if dir == "" {
		return top, nil, nil
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return top, nil, err
	}
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			return top, nil, err
		}
		switch ent.Name() {
		case DogmaConfigTop:
			top.Final = string(data)
		case DogmaConfigTopEM:
			top.EM = string(data)
		case MaskParamsFile:
			maskBase = data
		default:
			if err := p.State.AtomicWrite(ent.Name(), data); err != nil {
				return top, nil, err
			}
		}
	}
	return top, maskBase, nil
}

// writeBaseParams writes params0 and mask.params, which is the dogma
// mask (if any) followed by the masks of the configured evidence.
func (p *Preparer) writeBaseParams(maskBase []byte) error {
	stored := map[string]string{}
	if fnm := p.Config.Paradigm.ParamFile; fnm != "" {
		f, err := zopen(fnm)
		if err != nil {
			return err
		}
		stored, err = ReadStoredParams(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", fnm, err)
		}
	}
	var buf bytes.Buffer
	mask, err := WriteBaseParams(&buf, p.Config.Evidence, stored)
	if err != nil {
		return err
	}
	if err := p.State.AtomicWrite(paramsFile(0), buf.Bytes()); err != nil {
		return err
	}
	masks := append(append([]byte(nil), maskBase...), mask...)
	if len(masks) == 0 && !p.State.Exists(MaskParamsFile) {
		return nil
	}
	return p.State.AtomicWrite(MaskParamsFile, masks)
}

// readTimingsFile returns no timings, not an error, if fnm does not
// exist.
func readTimingsFile(fnm string) (Timings, error) {
	f, err := os.Open(fnm)
	if errors.Is(err, fs.ErrNotExist) {
		log.Infof("no %s, one bucket per pathway", fnm)
		return Timings{}, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTimings(f, fnm)
}

type preparecmd struct{}

func (cmd *preparecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "paradigm.hcl", "run description `file`")
	runDir := flags.String("run-dir", ".", "run `directory`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		return 1
	}
	p := &Preparer{
		Config:      cfg,
		State:       NewDirState(*runDir),
		CommandLine: strings.Join(append([]string{prog}, args...), " "),
	}
	err = p.Prepare(context.Background())
	if err != nil {
		return 1
	}
	return 0
}
