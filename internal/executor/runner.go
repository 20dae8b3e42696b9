package executor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/taskgrid/internal/job"
)

const (
	// watchdogTick is how often a running command is checked against
	// its timeout and the cancel set.
	watchdogTick = 500 * time.Millisecond

	// readChunk is the pipe read size for command output.
	readChunk = 128

	// maxOutputBytes caps captured output so a chatty command cannot
	// blow up the result envelope.
	maxOutputBytes = 256 * 1024
)

// Runner executes one command to completion under its timeout.
type Runner struct {
	executorID string

	// cancelled reports whether the job was cancelled mid-run; the
	// watchdog polls it.
	cancelled func(jobID string) bool
}

// NewRunner creates a runner. cancelled may be nil.
func NewRunner(executorID string, cancelled func(jobID string) bool) *Runner {
	if cancelled == nil {
		cancelled = func(string) bool { return false }
	}
	return &Runner{executorID: executorID, cancelled: cancelled}
}

// Run executes the dispatch's command through bash and returns its
// outcome. It never returns an error: every failure mode is a Result.
func (r *Runner) Run(d job.Dispatch) job.Result {
	start := time.Now()
	res := job.Result{
		JobID:       d.Job.JobID,
		ExecutionID: d.ExecutionID,
		ExecutorID:  r.executorID,
		StartTime:   start,
	}
	fail := func(msg string) job.Result {
		res.Status = job.StatusFailed
		res.Error = msg
		res.EndTime = time.Now()
		return res
	}

	script, err := writeScript(d.Job.Command)
	if err != nil {
		return fail("write command script: " + err.Error())
	}
	defer os.Remove(script)

	cmd := exec.Command("/bin/bash", script)
	// Own process group, so a kill reaches backgrounded children that
	// would otherwise hold the output pipe open past the deadline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	pr, pw, err := os.Pipe()
	if err != nil {
		return fail("open output pipe: " + err.Error())
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fail("start command: " + err.Error())
	}
	// The child holds its own copy of the write end.
	pw.Close()

	// Watchdog kills the process on timeout or cancellation.
	var timedOut, wasCancelled bool
	watchdogDone := make(chan struct{})
	waitDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(watchdogTick)
		defer ticker.Stop()
		for {
			select {
			case <-waitDone:
				return
			case <-ticker.C:
			}
			if time.Since(start) > d.Job.TimeoutDuration() {
				timedOut = true
				killGroup(cmd)
				return
			}
			if r.cancelled(d.Job.JobID) {
				wasCancelled = true
				killGroup(cmd)
				return
			}
		}
	}()

	// Drain combined output in small chunks until the child closes
	// its end of the pipe.
	var out strings.Builder
	buf := make([]byte, readChunk)
	for {
		n, err := pr.Read(buf)
		if n > 0 && out.Len() < maxOutputBytes {
			out.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	pr.Close()

	waitErr := cmd.Wait()
	close(waitDone)
	<-watchdogDone

	res.EndTime = time.Now()
	res.Output = out.String()
	switch {
	case timedOut:
		res.Status = job.StatusFailed
		res.Error = "execution timeout"
	case wasCancelled:
		res.Status = job.StatusFailed
		res.Error = "job cancelled during execution"
	case waitErr == nil:
		res.Status = job.StatusSuccess
	default:
		res.Status = job.StatusFailed
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.Error = fmt.Sprintf("Command exited with status %d", exitErr.ExitCode())
		} else {
			res.Error = waitErr.Error()
		}
	}
	return res
}

// killGroup signals the whole process group started for the command.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}

// writeScript drops the command into an executable temp file so multi
// line scripts and shell syntax work unmodified.
func writeScript(command string) (string, error) {
	f, err := os.CreateTemp("", "taskgrid-job-*.sh")
	if err != nil {
		return "", err
	}
	path := f.Name()
	_, werr := f.WriteString("#!/bin/bash\n" + command + "\n")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		if werr != nil {
			return "", werr
		}
		return "", cerr
	}
	if err := os.Chmod(path, 0o700); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
