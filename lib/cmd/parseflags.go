// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args into flags, which must be set up with
// flag.ContinueOnError. None of our commands take positional
// arguments, so any left over are a usage error.
//
// If the program should exit now, ok is false and exitCode is 0 for
// -help, or 2 for a usage error. Messages go to stderr.
func ParseFlags(flags *flag.FlagSet, prog string, args []string, stderr io.Writer) (ok bool, exitCode int) {
	flags.Init(prog, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	err := flags.Parse(args)
	switch {
	case errors.Is(err, flag.ErrHelp):
		flags.SetOutput(stderr)
		if flags.Usage != nil {
			flags.Usage()
		} else {
			fmt.Fprintf(stderr, "Usage: %s [options]\n", prog)
			flags.PrintDefaults()
		}
		return false, 0
	case err != nil:
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	case flags.NArg() > 0:
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", flags.Args())
		return false, 2
	}
	return true, 0
}
