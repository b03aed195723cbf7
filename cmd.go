// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"os"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"prepare":        &preparecmd{},
		"run":            &runcmd{},
		"null":           &nullcmd{},
		"partition":      &partitioncmd{},
		"merge":          &mergecmd{},
		"filter":         &filtercmd{},
		"significance":   &significancecmd{},
		"export-numpy":   &exportNumpy{},
		"pathway":        &pathwaycmd{},
		"merge-pathways": &mergePathways{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
