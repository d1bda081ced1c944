package node

import (
	"fmt"
	"strings"
)

// Result is the outcome of a command that ran to completion.
type Result struct {
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
}

// CommandExecutionError is returned when a remote command exits with a
// non-zero code. It carries everything the command printed; under live
// logging stderr is merged into Stdout and Stderr is empty.
type CommandExecutionError struct {
	Args       []string
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("command '%s' returned non-zero exit status %d", strings.Join(e.Args, " "), e.ReturnCode)
}

// TransferError is returned when a file could not be copied to a node.
type TransferError struct {
	LocalPath  string
	RemotePath string
	Node       string
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to copy '%s' to '%s' on node %s: %v", e.LocalPath, e.RemotePath, e.Node, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
