// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", MergedFile, "merged matrix `file`")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	realOnly := flags.Bool("real-only", false, "drop null-batch columns")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "paradigm export-numpy",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"export-numpy", "-local=true", fmt.Sprintf("-real-only=%v", *realOnly), "-i", *inputFilename, "-output-dir", "/mnt/output"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/matrix.npy")
		return 0
	}

	m, err := readMatrixFile(*inputFilename)
	if err != nil {
		return 1
	}
	if *realOnly {
		m = m.SelectColumns(func(c string) bool { return !IsNullSample(c) })
	}
	err = writeNumpy(m, *outputDir)
	if err != nil {
		return 1
	}
	return 0
}

// matrixToFloat64 returns the matrix values in row-major order.
// Blank and non-numeric cells become NaN.
func matrixToFloat64(m *EvidenceMatrix) (data []float64, rows, cols int) {
	rows, cols = m.NumRows(), len(m.Columns)
	data = make([]float64, 0, rows*cols)
	for _, id := range m.Rows() {
		values, _ := m.Row(id)
		for _, v := range values {
			if x, ok := parseCell(v); ok {
				data = append(data, x)
			} else {
				data = append(data, math.NaN())
			}
		}
	}
	return
}

// writeNumpy writes matrix.npy plus rows.csv and cols.csv label
// files (index,label) to outdir.
func writeNumpy(m *EvidenceMatrix, outdir string) error {
	data, rows, cols := matrixToFloat64(m)
	fnm := strings.TrimSuffix(outdir, "/") + "/matrix.npy"
	output, err := zcreate(fnm, nil)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(data)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	err = output.Close()
	if err != nil {
		return err
	}
	log.Printf("wrote %s (%d x %d)", fnm, rows, cols)
	for _, labels := range []struct {
		name   string
		values []string
	}{
		{"rows.csv", m.Rows()},
		{"cols.csv", m.Columns},
	} {
		f, err := zcreate(strings.TrimSuffix(outdir, "/")+"/"+labels.name, nil)
		if err != nil {
			return err
		}
		bufw := bufio.NewWriter(f)
		for i, label := range labels.values {
			fmt.Fprintf(bufw, "%d,%s\n", i, label)
		}
		err = bufw.Flush()
		if err != nil {
			f.Close()
			return err
		}
		err = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
