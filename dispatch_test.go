// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type dispatchSuite struct {
	root string
	d    *localDispatcher
}

var _ = check.Suite(&dispatchSuite{})

func (s *dispatchSuite) SetUpTest(c *check.C) {
	s.root = c.MkDir()
	c.Assert(os.Mkdir(filepath.Join(s.root, "out"), 0777), check.IsNil)
	s.d = &localDispatcher{Root: s.root, Stderr: &bytes.Buffer{}}
}

func (s *dispatchSuite) listOut(c *check.C) []string {
	ents, err := os.ReadDir(filepath.Join(s.root, "out"))
	c.Assert(err, check.IsNil)
	var names []string
	for _, ent := range ents {
		names = append(names, ent.Name())
	}
	return names
}

func (s *dispatchSuite) TestSuccess(c *check.C) {
	outcome := s.d.Dispatch(context.Background(), Invocation{
		Executable: "sh",
		Args:       []string{"-c", "echo result >$0; echo hello", "out/a.txt"},
		Outputs:    []string{"out/a.txt"},
		Stdout:     "out/a.log",
	})
	c.Assert(outcome.Failed(), check.Equals, false, check.Commentf("%s", outcome))
	c.Check(s.listOut(c), check.DeepEquals, []string{"a.log", "a.txt"})
	data, err := os.ReadFile(filepath.Join(s.root, "out", "a.txt"))
	c.Check(err, check.IsNil)
	c.Check(string(data), check.Equals, "result\n")
	data, err = os.ReadFile(filepath.Join(s.root, "out", "a.log"))
	c.Check(err, check.IsNil)
	c.Check(string(data), check.Equals, "hello\n")
}

func (s *dispatchSuite) TestFailureLeavesNoOutput(c *check.C) {
	outcome := s.d.Dispatch(context.Background(), Invocation{
		Executable: "sh",
		Args:       []string{"-c", "echo partial >$0; echo partial; exit 3", "out/b.txt"},
		Outputs:    []string{"out/b.txt"},
		Stdout:     "out/b.log",
	})
	c.Check(outcome.Failed(), check.Equals, true)
	c.Check(outcome.ExitCode, check.Equals, 3)
	c.Check(outcome.Err, check.IsNil)
	c.Check(s.listOut(c), check.HasLen, 0)

	state := NewDirState(s.root)
	rr := &roundRunner{Dispatcher: s.d, State: state, Parallel: 1, SkipCompleted: true}
	c.Check(rr.completed([]Invocation{{Outputs: []string{"out/b.txt"}}}), check.Equals, false)
}

func (s *dispatchSuite) TestMissingExecutable(c *check.C) {
	outcome := s.d.Dispatch(context.Background(), Invocation{
		Executable: filepath.Join(s.root, "no-such-solver"),
		Args:       []string{"out/c.txt"},
		Outputs:    []string{"out/c.txt"},
		Stdout:     "out/c.log",
	})
	c.Check(outcome.Failed(), check.Equals, true)
	c.Check(outcome.Err, check.NotNil)
	c.Check(s.listOut(c), check.HasLen, 0)
}
