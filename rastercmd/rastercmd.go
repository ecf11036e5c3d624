// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rastercmd provides utilities for implementing
// rasterslice-based command line tools. The main entry point,
// rastercmd.Main, configures rasterslice according to a common set
// of flags, and then invokes the user's driver code.
//
// A rastercmd tool follows this form:
//
//	var scale = rasterslice.RegisterFunc("main.scale", ...)
//
//	func main() {
//		var (
//			applicationFlag1 = flag.Int(...)
//			applicationFlag2 = ...
//		)
//		rastercmd.Main(func(sess *exec.Session, args []string) error {
//			ctx := context.Background()
//			res, err := sess.Apply(ctx, &exec.Job{Func: scale, ...})
//			if err != nil {
//				return err
//			}
//			// Do something else...
//			return nil
//		})
//	}
package rastercmd

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/rasterslice/exec"
	"github.com/grailbio/rasterslice/rasterflags"
)

// Main is a convenient entry point for a rastercmd. Main does not
// return; it should be called after other initialization is
// performed. Main parses (global) flags, and configures rasterslice
// accordingly. Main then invokes the provided func with a rasterslice
// session which can be used to apply functions. Main also passes the
// unparsed arguments.
//
// Main starts a diagnostic web server (default address :3333), using
// http.DefaultServeMux, which includes pprof handlers as well as the
// session's status page.
//
// Main terminates the program after the user func returns. If it
// returns with an error, it is reported and the process exits with
// code 1, otherwise it exits successfully.
//
// Integration with other command line processing is best achieved
// using the rasterflags package and Init and DisplayStatus functions.
func Main(main func(sess *exec.Session, args []string) error) {
	var fl rasterflags.Flags
	rasterflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	if err := main(sess, flag.Args()); err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init initializes rasterslice according to the supplied flags. In a
// process launched as a remote compute worker, Init serves as that
// worker and exits.
func Init(rf rasterflags.Flags) (*exec.Session, error) {
	if rf.KindHelp {
		wr := rf.Output()
		fmt.Fprintf(wr, "%s\n", rasterflags.KindHelpLong)
		var str []string
		for k, v := range rasterflags.Profiles() {
			str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
		}
		sort.Strings(str)
		for _, s := range str {
			wr.Write([]byte(s))
		}
		os.Exit(0)
	}
	if exec.IsWorker() {
		// Workers take their configuration from the coordinator.
		os.Exit(exec.WorkerMain())
	}
	options, err := rf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(rf, sess)
	return sess, nil
}

// DisplayStatus arranges for the rasterslice execution status to be
// displayed on the console and/or a web page depending on the flags
// specified on the command line. The web page is hosted at
// /debug/status on http.DefaultServeMux.
func DisplayStatus(rf rasterflags.Flags, sess *exec.Session) {
	if sess.Status() == nil {
		return
	}
	if rf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(rf.HTTPAddress.Address) > 0 {
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP Status at: %v\n", rf.HTTPAddress)
			err := http.ListenAndServe(rf.HTTPAddress.Address, nil)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v\n", rf.HTTPAddress, err)
			}
		}()
	}
}
