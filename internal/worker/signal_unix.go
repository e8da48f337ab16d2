package worker

import (
	"os"
	"syscall"
)

// processTerminateSignal is sent to ask a worker to exit gracefully
// before the grace period elapses and SIGKILL is used instead.
var processTerminateSignal os.Signal = syscall.SIGTERM
