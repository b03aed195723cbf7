// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
)

// MalformedInputError reports a matrix or list file whose shape is
// wrong. It is always fatal.
type MalformedInputError struct {
	File   string
	Line   int
	Reason string
}

func (e *MalformedInputError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: line %d: %s", e.File, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Reason)
}

// EvidenceMatrix is a tab-separated table with a header row of
// column names and one row per identifier. In evidence files rows
// are samples and columns are features; merged result files use the
// same layout with rows keyed by pathway entity.
type EvidenceMatrix struct {
	Corner  string
	Columns []string

	rows   []string
	values map[string][]string
}

func NewEvidenceMatrix(corner string, columns []string) *EvidenceMatrix {
	return &EvidenceMatrix{
		Corner:  corner,
		Columns: append([]string(nil), columns...),
		values:  map[string][]string{},
	}
}

// ReadEvidenceMatrix parses a matrix. Every data row must have
// exactly as many cells as the header; blank lines are ignored.
func ReadEvidenceMatrix(r io.Reader, name string) (*EvidenceMatrix, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<30)
	var m *EvidenceMatrix
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if m == nil {
			if line == "" {
				return nil, &MalformedInputError{File: name, Line: lineno, Reason: "missing header"}
			}
			fields := strings.Split(line, "\t")
			m = NewEvidenceMatrix(fields[0], fields[1:])
			continue
		}
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(m.Columns)+1 {
			return nil, &MalformedInputError{File: name, Line: lineno, Reason: fmt.Sprintf("expected %d columns, found %d", len(m.Columns)+1, len(fields))}
		}
		if _, dup := m.values[fields[0]]; dup {
			return nil, &MalformedInputError{File: name, Line: lineno, Reason: fmt.Sprintf("duplicate row %q", fields[0])}
		}
		m.AddRow(fields[0], fields[1:])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if m == nil {
		return nil, &MalformedInputError{File: name, Reason: "empty file"}
	}
	return m, nil
}

// AddRow appends a row, or replaces the values of an existing one
// without changing its position.
func (m *EvidenceMatrix) AddRow(id string, values []string) {
	if _, ok := m.values[id]; !ok {
		m.rows = append(m.rows, id)
	}
	m.values[id] = values
}

func (m *EvidenceMatrix) Row(id string) ([]string, bool) {
	v, ok := m.values[id]
	return v, ok
}

// Rows returns the row identifiers in insertion order.
func (m *EvidenceMatrix) Rows() []string { return append([]string(nil), m.rows...) }

func (m *EvidenceMatrix) NumRows() int { return len(m.rows) }

// RestrictColumns reorders every row to match columns. Columns the
// matrix does not have are filled with "NA".
func (m *EvidenceMatrix) RestrictColumns(columns []string) {
	index := make(map[string]int, len(m.Columns))
	for i, c := range m.Columns {
		index[c] = i
	}
	for _, id := range m.rows {
		old := m.values[id]
		row := make([]string, len(columns))
		for i, c := range columns {
			if j, ok := index[c]; ok {
				row[i] = old[j]
			} else {
				row[i] = "NA"
			}
		}
		m.values[id] = row
	}
	m.Columns = append([]string(nil), columns...)
}

// SelectRows returns a new matrix holding the given rows, in the
// given order. Unknown identifiers are skipped.
func (m *EvidenceMatrix) SelectRows(ids []string) *EvidenceMatrix {
	out := NewEvidenceMatrix(m.Corner, m.Columns)
	for _, id := range ids {
		if v, ok := m.values[id]; ok {
			out.AddRow(id, append([]string(nil), v...))
		}
	}
	return out
}

// SelectColumns returns a new matrix with only the columns for which
// keep returns true.
func (m *EvidenceMatrix) SelectColumns(keep func(string) bool) *EvidenceMatrix {
	var idx []int
	var cols []string
	for i, c := range m.Columns {
		if keep(c) {
			idx = append(idx, i)
			cols = append(cols, c)
		}
	}
	out := NewEvidenceMatrix(m.Corner, cols)
	for _, id := range m.rows {
		v := m.values[id]
		row := make([]string, len(idx))
		for i, j := range idx {
			row[i] = v[j]
		}
		out.AddRow(id, row)
	}
	return out
}

func (m *EvidenceMatrix) Write(w io.Writer) error {
	bufw := bufio.NewWriter(w)
	writeLine := func(label string, values []string) {
		bufw.WriteString(label)
		for _, v := range values {
			bufw.WriteByte('\t')
			bufw.WriteString(v)
		}
		bufw.WriteByte('\n')
	}
	writeLine(m.Corner, m.Columns)
	for _, id := range m.rows {
		writeLine(id, m.values[id])
	}
	return bufw.Flush()
}

// Bytes returns the serialized matrix.
func (m *EvidenceMatrix) Bytes() []byte {
	var sb strings.Builder
	m.Write(&sb)
	return []byte(sb.String())
}

// readMatrixFile reads a matrix from a local, keep-backed, or
// gzip-compressed file.
func readMatrixFile(fnm string) (*EvidenceMatrix, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadEvidenceMatrix(f, fnm)
}

// writeMatrixFile writes m to fnm, compressed if fnm ends with
// ".gz".
func writeMatrixFile(fnm string, m *EvidenceMatrix) error {
	f, err := zcreate(fnm, nil)
	if err != nil {
		return err
	}
	err = m.Write(f)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// zcreate creates (or truncates) fnm for writing, compressing the
// output if fnm ends with ".gz". "-" means w.
func zcreate(fnm string, w io.Writer) (io.WriteCloser, error) {
	if fnm == "-" {
		return nopCloser{w}, nil
	}
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(fnm, ".gz") {
		return f, nil
	}
	return gzipw{pgzip.NewWriter(f), f}, nil
}

// gzipw closes the compressor before the underlying file.
type gzipw struct {
	io.WriteCloser
	f io.Closer
}

func (gw gzipw) Close() error {
	e1 := gw.WriteCloser.Close()
	e2 := gw.f.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
