package node

// Process is a command started by Popen.
type Process struct {
	args   []string
	stdout buffer
	stderr buffer

	done chan struct{}
	code int
	err  error
}

func (p *Process) wait(execution Execution) {
	defer close(p.done)
	p.code, p.err = execution.Wait()
}

// Poll returns the exit code and true once the process has exited, or false
// while it is still running.
func (p *Process) Poll() (int, bool) {
	select {
	case <-p.done:
		return p.code, true
	default:
		return 0, false
	}
}

// Communicate blocks until the process exits and returns everything it wrote.
// The error is only set when the transport lost track of the process; use
// Poll for the exit code.
func (p *Process) Communicate() (stdout, stderr []byte, err error) {
	<-p.done
	return p.stdout.Bytes(), p.stderr.Bytes(), p.err
}

// Wait blocks until the process exits, with the same error semantics as Run.
func (p *Process) Wait() (*Result, error) {
	stdout, stderr, err := p.Communicate()
	if err != nil {
		return nil, err
	}
	if p.code != 0 {
		return nil, &CommandExecutionError{Args: p.args, ReturnCode: p.code, Stdout: stdout, Stderr: stderr}
	}
	return &Result{ReturnCode: p.code, Stdout: stdout, Stderr: stderr}, nil
}
