// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

// writeProfilesPeriodically refreshes cpu.prof and mem.prof in
// outdir every minute while a long run is waiting on its rounds.
func writeProfilesPeriodically(outdir string) {
	for range time.NewTicker(time.Minute).C {
		writeProfile(outdir, "mem.prof", func(f *os.File) error {
			runtime.GC()
			return pprof.WriteHeapProfile(f)
		})
		writeProfile(outdir, "cpu.prof", func(f *os.File) error {
			if err := pprof.StartCPUProfile(f); err != nil {
				return err
			}
			time.Sleep(time.Second)
			pprof.StopCPUProfile()
			return nil
		})
	}
}

// writeProfile writes to name~ and renames it into place, so a
// reader never sees a partial profile.
func writeProfile(outdir, name string, write func(*os.File) error) {
	fnm := filepath.Join(outdir, name)
	f, err := os.OpenFile(fnm+"~", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	err = write(f)
	if err != nil {
		log.Print(err)
		return
	}
	err = f.Close()
	if err != nil {
		log.Print(err)
		return
	}
	err = os.Rename(fnm+"~", fnm)
	if err != nil {
		log.Print(err)
	}
}
