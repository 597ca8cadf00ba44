package schedule

import "runtime"

// DefaultBackend returns the scheduling facility for the running OS.
func DefaultBackend(runner CommandRunner) (Backend, error) {
	if runner == nil {
		runner = ExecRunner{}
	}
	switch runtime.GOOS {
	case "windows":
		return &TaskScheduler{Runner: runner}, nil
	case "darwin":
		return NewLaunchAgent(runner)
	default:
		return NewSystemdTimer(runner)
	}
}
