package orchestrator

// command is a message for the scheduler loop.
type command interface{ isCommand() }

type submitCmd struct {
	job   *Job
	reply chan error
}

type batchCmd struct {
	job   *Job
	reply chan error
}

type selectCmd struct {
	name  string
	reply chan error
}

// stopCmd with final set also terminates the loop.
type stopCmd struct {
	reply chan error
	final bool
}

type statusCmd struct {
	reply chan queueStatus
}

// ensureCmd asks the loop to launch the server if it is not alive.
type ensureCmd struct {
	run   *run
	reply chan error
}

type jobDoneCmd struct {
	run       *run
	processed int
	aborted   bool
}

type serverReadyCmd struct{ gen uint64 }

type serverDeadCmd struct{ gen uint64 }

// restartCmd carries a rate-limited restart that was deferred by the limiter.
type restartCmd struct{ gen uint64 }

type serverExitCmd struct {
	gen  uint64
	code int
}

func (submitCmd) isCommand()      {}
func (batchCmd) isCommand()       {}
func (selectCmd) isCommand()      {}
func (stopCmd) isCommand()        {}
func (statusCmd) isCommand()      {}
func (ensureCmd) isCommand()      {}
func (jobDoneCmd) isCommand()     {}
func (serverReadyCmd) isCommand() {}
func (serverDeadCmd) isCommand()  {}
func (restartCmd) isCommand()     {}
func (serverExitCmd) isCommand()  {}
