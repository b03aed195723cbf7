// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SolverConfigTop holds the pathway/inference preamble of the
// solver config files. A dogma directory may override either one.
type SolverConfigTop struct {
	// Final has one %s for the inference spec.
	Final string
	// EM has one %s for the inference spec and ends with an open
	// "em_step [" list.
	EM string
}

func DefaultSolverConfigTop() SolverConfigTop {
	return SolverConfigTop{
		Final: "pathway [max_in_degree=5,param_file=params.txt]\ninference [%s]\n",
		EM:    "pathway [max_in_degree=5,param_file=params.txt]\ninference [%s]\nem_step [",
	}
}

func discString(disc []float64) string {
	parts := make([]string, len(disc))
	for i, d := range disc {
		parts[i] = strconv.FormatFloat(d, 'g', -1, 64)
	}
	return strings.Join(parts, ";")
}

func writeEvidenceLines(w io.Writer, evidence []EvidenceConfig) {
	for _, e := range evidence {
		fmt.Fprintf(w, "evidence [suffix=%s,node=%s,disc=%s,epsilon=%g,epsilon0=%g]\n",
			e.Suffix(), e.Attachment, discString(e.Disc), e.Epsilon, e.Epsilon0)
	}
}

// WriteSolverConfig writes the config for the final inference run.
func WriteSolverConfig(w io.Writer, top SolverConfigTop, cfg Config) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprintf(bufw, top.Final, cfg.Paradigm.Inference)
	writeEvidenceLines(bufw, cfg.Evidence)
	return bufw.Flush()
}

// WriteSolverConfigEM writes the config for EM runs, which also
// names the evidence attachment of each em_step and carries the em
// block.
func WriteSolverConfigEM(w io.Writer, top SolverConfigTop, cfg Config) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprintf(bufw, top.EM, cfg.Paradigm.Inference)
	steps := make([]string, len(cfg.Evidence))
	for i, e := range cfg.Evidence {
		steps[i] = e.Suffix() + "=" + e.Attachment
	}
	bufw.WriteString(strings.Join(steps, ","))
	bufw.WriteString("]\n")
	fmt.Fprintf(bufw, "em [max_iters=%d,log_z_tol=%g]\n", cfg.EM.MaxIters, cfg.EM.LogZTol)
	writeEvidenceLines(bufw, cfg.Evidence)
	return bufw.Flush()
}
