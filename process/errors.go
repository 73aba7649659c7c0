package process

import (
	"fmt"
	"strings"
	"time"
)

type ExecutableNotFoundError struct {
	Searched []string
}

func (e *ExecutableNotFoundError) Error() string {
	return fmt.Sprintf("could not find the guider executable (searched: %s)", strings.Join(e.Searched, ", "))
}

type AlreadyRunningError struct {
	Pid int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("the guider is already running with pid %d", e.Pid)
}

type StartFailedError struct {
	Reason string
}

func (e *StartFailedError) Error() string {
	return fmt.Sprintf("failed to start the guider: %s", e.Reason)
}

type NotReachableError struct {
	Address string
	Waited  time.Duration
}

func (e *NotReachableError) Error() string {
	return fmt.Sprintf("the guider never became reachable at %s within %s", e.Address, e.Waited)
}
