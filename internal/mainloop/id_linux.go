//go:build linux

package mainloop

import "golang.org/x/sys/unix"

// currentID is the OS thread id. Run locks its goroutine to its thread, so
// the id identifies the loop for as long as it runs.
func currentID() int64 { return int64(unix.Gettid()) }
