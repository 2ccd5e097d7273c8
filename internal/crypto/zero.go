package crypto

// Zero overwrites a byte slice in memory with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// useKey pins key in RAM while fn runs, where the platform allows it, and
// wipes it afterwards.
func useKey(key []byte, fn func(key []byte) error) error {
	locked := lockMemory(key) == nil
	defer func() {
		Zero(key)
		if locked {
			_ = unlockMemory(key)
		}
	}()
	return fn(key)
}
