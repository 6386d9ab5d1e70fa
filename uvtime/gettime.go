package uvtime

import "time"

// GettimeMs returns the wall clock in milliseconds. All media-path
// bookkeeping (rate windows, SR timing, active time) uses this unit.
func GettimeMs() int64 {
	return time.Now().UnixNano() / 1e6
}

func GettimeS() int64 {
	return time.Now().Unix()
}

func GettimeNs() int64 {
	return time.Now().UnixNano()
}
