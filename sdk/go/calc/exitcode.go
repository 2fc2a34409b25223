// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package calc

import "fmt"

// An ExitCode is the final outcome of a job.
type ExitCode struct {
	Status  int
	Message string
}

// Exit codes produced by the lifecycle machine itself. Parsers and
// schedulers may produce others.
var (
	ExitOK                = ExitCode{0, ""}
	ExitNoRetrievedFolder = ExitCode{100, "the retrieved folder is missing"}
	ExitSubmissionFailed  = ExitCode{140, "the scheduler rejected the submission: %s"}
	ExitStoppedByMonitor  = ExitCode{150, "the job was stopped by a monitor: %s"}
)

// Format returns a copy of ec with its message formatted with args.
func (ec ExitCode) Format(args ...interface{}) ExitCode {
	return ExitCode{Status: ec.Status, Message: fmt.Sprintf(ec.Message, args...)}
}

func (ec ExitCode) String() string {
	if ec.Message == "" {
		return fmt.Sprintf("exit %d", ec.Status)
	}
	return fmt.Sprintf("exit %d: %s", ec.Status, ec.Message)
}
