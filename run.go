// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

func readJobListKey(state RunState, key string) ([]Job, error) {
	data, err := state.Read(key)
	if err != nil {
		return nil, err
	}
	return ReadJobList(bytes.NewReader(data), key)
}

type runcmd struct{}

func (cmd *runcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	pprofdir := flags.String("pprof-dir", "", "write Go profile data to `directory` periodically")
	runlocal := flags.Bool("local", false, "run jobs on local host (default: one arvados container per job)")
	configFile := flags.String("config", "paradigm.hcl", "run description `file`")
	runDir := flags.String("run-dir", ".", "run `directory` written by prepare")
	projectUUID := flags.String("project", "", "project `UUID` for containers (default: from config)")
	priority := flags.Int("priority", 0, "container request priority (default: from config)")
	skipCompleted := flags.Bool("skip-completed", false, "skip jobs whose outputs already exist")
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

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	if *pprofdir != "" {
		go writeProfilesPeriodically(*pprofdir)
	}

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		return 1
	}
	if *projectUUID != "" {
		cfg.Arvados.Project = *projectUUID
	}
	if *priority > 0 {
		cfg.Arvados.Priority = *priority
	}
	state := NewDirState(*runDir)
	emJobs, err := readJobListKey(state, JobsEMFile)
	if err != nil {
		return 1
	}
	finalJobs, err := readJobListKey(state, JobsFile)
	if err != nil {
		return 1
	}

	var dispatcher Dispatcher
	if *runlocal {
		dispatcher = &localDispatcher{Root: *runDir, Stderr: stderr}
	} else {
		dispatcher = &arvadosDispatcher{
			Client: arvados.NewClientFromEnv(),
			Config: cfg.Arvados,
			RunID:  uuid.New().String()[:8],
			Root:   *runDir,
			State:  state,
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	engine := NewEngine(cfg, state, dispatcher, emJobs, finalJobs)
	engine.SkipCompleted = *skipCompleted
	_, err = engine.Resume()
	if err != nil {
		return 1
	}
	err = engine.Run(ctx)
	if err != nil {
		return 1
	}
	return 0
}
