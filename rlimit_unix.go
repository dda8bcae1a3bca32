//go:build linux || darwin

package mqttsim

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const fileLimit = 1_000_000

// RaiseFileLimit lifts the soft and hard open file limits to n. Failure is
// not fatal; the caller decides whether to warn.
func RaiseFileLimit(n uint64) error {
	lim := unix.Rlimit{Cur: n, Max: n}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err == nil {
		return nil
	}

	// Without privileges only the soft limit can move, up to the hard one.
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &cur); err != nil {
		return fmt.Errorf("getrlimit: %w", err)
	}
	if cur.Cur >= n || cur.Cur == cur.Max {
		if cur.Cur < n {
			return fmt.Errorf("open file limit stuck at %d", cur.Cur)
		}
		return nil
	}
	want := min(n, cur.Max)
	lim = unix.Rlimit{Cur: want, Max: cur.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return fmt.Errorf("setrlimit: %w", err)
	}
	if want < n {
		return fmt.Errorf("open file limit raised to %d, hard limit prevents %d", want, n)
	}
	return nil
}
