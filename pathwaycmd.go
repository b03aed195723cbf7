// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/ucsc-cgl/paradigm/pathway"
)

func loadPathwayFile(fnm string, stdin io.Reader, opts pathway.LoadOptions, sif bool) (*pathway.Graph, error) {
	var r io.Reader
	if fnm == "-" {
		r = stdin
	} else {
		f, err := zopen(fnm)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var g *pathway.Graph
	var err error
	if sif {
		g, err = pathway.ReadSIF(r, PathwayID(fnm), nil)
	} else {
		g, err = pathway.LoadWithOptions(r, PathwayID(fnm), opts)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return g, nil
}

func writePathwayFile(g *pathway.Graph, fnm string, stdout io.Writer, sif bool) error {
	out, err := zcreate(fnm, stdout)
	if err != nil {
		return err
	}
	if sif {
		err = g.WriteSIF(out)
	} else {
		err = g.Write(out)
	}
	if err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func logDiagnostics(name string, diags []pathway.Diagnostic) {
	for _, d := range diags {
		if d.Kind == pathway.Components {
			log.Infof("%s: %s", name, d)
		} else {
			log.Warnf("%s: %s", name, d)
		}
	}
}

type pathwaycmd struct{}

func (cmd *pathwaycmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input pathway `file`")
	outputFilename := flags.String("o", "-", "output pathway `file`")
	sifIn := flags.Bool("sif-in", false, "input is in SIF format")
	sifOut := flags.Bool("sif-out", false, "write SIF format")
	reverse := flags.Bool("reverse", false, "reverse every interaction")
	validate := flags.Bool("validate", false, "repair node types, check links, keep the largest component")
	support := flags.Float64("complex-support", 0, "drop complexes with no more than this fraction of subunits present (0 = keep all)")
	flatten := flags.Bool("flatten", false, "replace complexes and families by their members")
	node := flags.String("neighbors", "", "keep only the neighborhood of `node`")
	distance := flags.Int("distance", 1, "neighborhood radius in hops")
	direction := flags.String("direction", "both", "neighborhood direction (upstream, downstream, or both)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	dir, err := pathway.ParseDirection(*direction)
	if err != nil {
		return 2
	}

	g, err := loadPathwayFile(*inputFilename, stdin, pathway.LoadOptions{Reverse: *reverse}, *sifIn)
	if err != nil {
		return 1
	}
	if *validate {
		logDiagnostics(*inputFilename, g.Validate())
	}
	if *support > 0 {
		logDiagnostics(*inputFilename, g.FilterComplexesBySupport(g.Clone(), *support))
	}
	if *flatten {
		var diags []pathway.Diagnostic
		g, diags = g.Flatten()
		logDiagnostics(*inputFilename, diags)
	}
	if *node != "" {
		if !g.Has(*node) {
			err = fmt.Errorf("node %q not found", *node)
			return 1
		}
		g = g.Subgraph(g.Neighbors(*node, *distance, dir))
	}
	log.Printf("%d nodes, %d interactions", g.NodeCount(), g.EdgeCount())
	err = writePathwayFile(g, *outputFilename, stdout, *sifOut)
	if err != nil {
		return 1
	}
	return 0
}

type mergePathways struct{}

func (cmd *mergePathways) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	outputFilename := flags.String("o", "-", "output pathway `file`")
	excludeList := flags.String("exclude", "", "comma-separated `nodes` to leave out of the union")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if flags.NArg() == 0 {
		err = errors.New("no pathway files specified")
		return 2
	}
	exclude := map[string]bool{}
	for _, id := range strings.Split(*excludeList, ",") {
		if id != "" {
			exclude[id] = true
		}
	}
	merged := pathway.New("merged")
	for _, fnm := range flags.Args() {
		var g *pathway.Graph
		g, err = loadPathwayFile(fnm, stdin, pathway.LoadOptions{}, false)
		if err != nil {
			return 1
		}
		merged.Combine(g, exclude)
	}
	log.Printf("merged %d pathways: %d nodes, %d interactions", flags.NArg(), merged.NodeCount(), merged.EdgeCount())
	err = writePathwayFile(merged, *outputFilename, stdout, false)
	if err != nil {
		return 1
	}
	return 0
}

type partitioncmd struct{}

func (cmd *partitioncmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	timingsFilename := flags.String("timings", TimingsFile, "timings `file`")
	target := flags.Float64("target", DefaultConfig().Paradigm.TargetJobSeconds, "target job duration in `seconds`")
	samples := flags.Int("samples", 1, "number of samples")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	part := &Partitioner{TargetSeconds: *target}
	part.Timings, err = readTimingsFile(*timingsFilename)
	if err != nil {
		return 1
	}
	if len(part.Timings) > 1 {
		mean, stddev := part.Timings.Summary()
		log.Infof("%d timed pathways, %.3g +/- %.3g seconds per sample", len(part.Timings), mean, stddev)
	}
	for _, fnm := range flags.Args() {
		fmt.Fprintf(stdout, "%s\t%d\n", fnm, part.Buckets(fnm, *samples))
	}
	return 0
}
