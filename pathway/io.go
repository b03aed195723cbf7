// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pathway

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// MalformedRecordError reports a pathway line that is neither a
// 2-field node definition nor a 3-field interaction.
type MalformedRecordError struct {
	Line   int
	Fields int
	Text   string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("line %d: expected 2 or 3 tab-separated fields, found %d: %q", e.Line, e.Fields, e.Text)
}

type LoadOptions struct {
	// Reverse loads every interaction target->source.
	Reverse bool
}

// Load reads the UCSC pathway format: "type\tid" lines define
// nodes, "source\ttarget\trelation[;relation...]" lines add
// interactions. Repeated interactions between the same pair merge
// into one tag set.
func Load(r io.Reader, id string) (*Graph, error) {
	return LoadWithOptions(r, id, LoadOptions{})
}

func LoadWithOptions(r io.Reader, id string, opts LoadOptions) (*Graph, error) {
	g := New(id)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<16), 1<<24)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		switch len(fields) {
		case 2:
			g.SetNode(fields[1], NodeType(fields[0]))
		case 3:
			source, target := fields[0], fields[1]
			if opts.Reverse {
				source, target = target, source
			}
			g.AddEdge(source, target, ParseTagSet(fields[2]).Sorted()...)
		default:
			return nil, &MalformedRecordError{Line: lineno, Fields: len(fields), Text: line}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return g, nil
}

// Write serializes g in the UCSC pathway format: node lines first,
// then one interaction line per relation tag. Untyped nodes have no
// line of their own but their edges are still written.
func (g *Graph) Write(w io.Writer) error {
	bufw := bufio.NewWriter(w)
	for _, id := range g.Nodes() {
		fmt.Fprintf(bufw, "%s\t%s\n", g.types[id], id)
	}
	g.EachEdge(func(source, target string, tags TagSet) {
		for _, r := range tags.Sorted() {
			fmt.Fprintf(bufw, "%s\t%s\t%s\n", source, target, r)
		}
	})
	return bufw.Flush()
}

var sifDelim = regexp.MustCompile(`\s*\t\s*`)

// ReadSIF reads "source\trelation\ttarget" lines. Nodes get their
// type from types if present, otherwise Concept.
func ReadSIF(r io.Reader, id string, types map[string]NodeType) (*Graph, error) {
	g := New(id)
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := sifDelim.Split(strings.TrimRight(line, "\r\n"), -1)
		if len(fields) != 3 {
			return nil, &MalformedRecordError{Line: lineno, Fields: len(fields), Text: line}
		}
		for _, n := range []string{fields[0], fields[2]} {
			if g.Has(n) {
				continue
			}
			if t, ok := types[n]; ok {
				g.SetNode(n, t)
			} else {
				g.SetNode(n, Concept)
			}
		}
		g.AddEdge(fields[0], fields[2], ParseTagSet(fields[1]).Sorted()...)
	}
	return g, scanner.Err()
}

// WriteSIF writes one "source\trelation\ttarget" line per tag.
func (g *Graph) WriteSIF(w io.Writer) error {
	bufw := bufio.NewWriter(w)
	g.EachEdge(func(source, target string, tags TagSet) {
		for _, r := range tags.Sorted() {
			fmt.Fprintf(bufw, "%s\t%s\t%s\n", source, r, target)
		}
	})
	return bufw.Flush()
}
