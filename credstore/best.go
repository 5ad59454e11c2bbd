package credstore

// Best returns the first available backend, in preference order. If none are
// available, a MemBackend is returned.
func Best(backends ...Backend) Backend {
	for _, b := range backends {
		if b != nil && b.Available() {
			return b
		}
	}

	return &MemBackend{}
}
