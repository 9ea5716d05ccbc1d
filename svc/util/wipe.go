package util

import "runtime"

// Wipe zeroes every buffer passed in place.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
		runtime.KeepAlive(b)
	}
}
