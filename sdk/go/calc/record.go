// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package calc

import "time"

// State is the persisted lifecycle state of a job. It always names
// the step that comes after the last fully completed step, so a
// restarted process can resume without repeating remote side
// effects.
type State string

const (
	StateUploading     State = "uploading"
	StateSubmitting    State = "submitting"
	StateWithScheduler State = "withscheduler"
	StateStashing      State = "stashing"
	StateRetrieving    State = "retrieving"
	StateParsing       State = "parsing"
)

// Command is a step of the lifecycle machine. Each command, once
// complete, produces the State returned by Produces.
type Command string

const (
	CommandUpload   Command = "upload"
	CommandSubmit   Command = "submit"
	CommandUpdate   Command = "update"
	CommandStash    Command = "stash"
	CommandRetrieve Command = "retrieve"
	CommandParse    Command = "parse"
)

var commandProduces = map[Command]State{
	CommandUpload:   StateSubmitting,
	CommandSubmit:   StateWithScheduler,
	CommandUpdate:   StateStashing,
	CommandStash:    StateRetrieving,
	CommandRetrieve: StateParsing,
}

var stateCommand = map[State]Command{
	StateUploading:     CommandUpload,
	StateSubmitting:    CommandSubmit,
	StateWithScheduler: CommandUpdate,
	StateStashing:      CommandStash,
	StateRetrieving:    CommandRetrieve,
	StateParsing:       CommandParse,
}

// Produces returns the state recorded when cmd completes, or "" for
// CommandParse, which ends the lifecycle.
func (cmd Command) Produces() State {
	return commandProduces[cmd]
}

// Command returns the command that drives a job out of state st.
func (st State) Command() Command {
	return stateCommand[st]
}

// ProcessState is the orchestrator-level state of a job.
type ProcessState string

const (
	ProcessCreated  ProcessState = "created"
	ProcessWaiting  ProcessState = "waiting"
	ProcessPaused   ProcessState = "paused"
	ProcessFinished ProcessState = "finished"
	ProcessExcepted ProcessState = "excepted"
	ProcessKilled   ProcessState = "killed"
)

// Terminal returns true if a job in this state will not be driven
// again.
func (ps ProcessState) Terminal() bool {
	return ps == ProcessFinished || ps == ProcessExcepted || ps == ProcessKilled
}

// Record is the persisted state of one job. The lifecycle machine is
// the only writer of State and Command.
type Record struct {
	UUID     string   `json:"uuid"`
	Identity Identity `json:"identity"`

	State   State   `json:"state"`
	Command Command `json:"command,omitempty"`

	ProcessState  ProcessState `json:"process_state"`
	ProcessStatus string       `json:"process_status,omitempty"`
	ExitStatus    *int         `json:"exit_status,omitempty"`
	ExitMessage   string       `json:"exit_message,omitempty"`
	Exception     string       `json:"exception,omitempty"`

	// Job definition supplied when the job was enqueued.
	Input *CalcInfo `json:"input,omitempty"`

	RemoteWorkdir   string            `json:"remote_workdir,omitempty"`
	SubmitScript    string            `json:"submit_script,omitempty"`
	SkipSubmit      bool              `json:"skip_submit,omitempty"`
	RetrieveList    []string          `json:"retrieve_list,omitempty"`
	Stash           *StashSpec        `json:"stash,omitempty"`
	JobID           string            `json:"job_id,omitempty"`
	SubmittedAt     *time.Time        `json:"submitted_at,omitempty"`
	LastJobInfo     *JobInfo          `json:"last_job_info,omitempty"`
	DetailedJobInfo map[string]string `json:"detailed_job_info,omitempty"`
	RetrievedFolder string            `json:"retrieved_folder,omitempty"`

	Monitors map[string]*MonitorSpec `json:"monitors,omitempty"`
	// Outcome of the monitor that stopped the job, if any.
	MonitorOutcome *MonitorOutcome        `json:"monitor_outcome,omitempty"`
	Outputs        map[string]interface{} `json:"outputs,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// CalcInfo is the uploadable payload of a job, produced by the
// presubmission step.
type CalcInfo struct {
	// Files to write in the remote working directory, keyed by
	// path relative to that directory.
	Files map[string][]byte `json:"files,omitempty"`

	// Name and content of the submit script.
	ScriptName string `json:"script_name,omitempty"`
	Script     string `json:"script,omitempty"`

	// Glob patterns (relative to the working directory) of files
	// to retrieve after the job finishes.
	RetrieveList []string `json:"retrieve_list,omitempty"`

	Stash *StashSpec `json:"stash,omitempty"`

	// If true, the job is runnable in place once uploaded and is
	// never handed to the scheduler.
	SkipSubmit bool `json:"skip_submit,omitempty"`

	Monitors map[string]*MonitorSpec `json:"monitors,omitempty"`
}

// StashSpec describes an optional archival copy of remote output.
type StashSpec struct {
	Target     string   `json:"target"`
	SourceList []string `json:"source_list"`
}

// MonitorSpec configures one monitor of a running job.
type MonitorSpec struct {
	EntryPoint          string                 `json:"entry_point"`
	Kwargs              map[string]interface{} `json:"kwargs,omitempty"`
	Priority            int                    `json:"priority,omitempty"`
	MinimumPollInterval Duration               `json:"minimum_poll_interval,omitempty"`
	CallTimestamp       time.Time              `json:"call_timestamp,omitempty"`
	Disabled            bool                   `json:"disabled,omitempty"`
}

// MonitorAction tells the lifecycle machine what to do with a job
// after a monitor reports an outcome.
type MonitorAction string

const (
	MonitorKill        MonitorAction = "kill"
	MonitorDisableAll  MonitorAction = "disable-all"
	MonitorDisableSelf MonitorAction = "disable-self"
)

// MonitorOutcome is the non-empty result of a monitor.
type MonitorOutcome struct {
	Message string        `json:"message"`
	Action  MonitorAction `json:"action"`
	// Retrieve output files after stopping the job.
	Retrieve bool `json:"retrieve"`
	// Run the parser on retrieved files.
	Parse bool `json:"parse"`
	// Report the monitor's exit code even if the parser
	// reports a different one.
	OverrideExitCode bool                   `json:"override_exit_code"`
	Outputs          map[string]interface{} `json:"outputs,omitempty"`
}
