//go:build !linux

package mainloop

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentID is the goroutine id parsed from the stack header.
func currentID() int64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}
