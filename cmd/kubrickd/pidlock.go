package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// acquirePIDLock writes the current process id to path, refusing if
// another live process already holds it; a stale file (process gone) is
// silently reclaimed. Adapted from the teacher's daemon package, which
// used the same check to keep two copies of its inbox watcher from
// fighting over one directory — here it keeps two kubrickd `start`
// invocations from driving the same store concurrently.
func acquirePIDLock(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another kubrickd start is already running (PID %d)", pid)
				}
			}
		}
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}
