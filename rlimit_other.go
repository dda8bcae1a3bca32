//go:build !linux && !darwin

package mqttsim

const fileLimit = 1_000_000

// RaiseFileLimit does nothing where file descriptors are not rlimited.
func RaiseFileLimit(n uint64) error {
	return nil
}
