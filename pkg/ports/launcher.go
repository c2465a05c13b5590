package ports

import "context"

// Process is a running external kernel.
type Process interface {
	// Pid returns the operating system process id.
	Pid() int

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Err returns the exit error after Done is closed.
	Err() error

	// Terminate asks the process to stop and kills it if it has not exited
	// when ctx expires. A process that already exited is not an error.
	Terminate(ctx context.Context) error
}

// Launcher starts kernel processes. extraArgs are appended to the
// configured command line (session id and socket endpoints).
type Launcher interface {
	Launch(ctx context.Context, extraArgs []string) (Process, error)
}
