package backend

import "strings"

// compiled lists the backends built into this binary in preference order
// for Auto.
func compiled() []string {
	if cudaEnabled {
		return []string{CUDA, CPU}
	}
	return []string{CPU}
}

// Has reports whether name is built into this binary.
func Has(name string) bool {
	for _, b := range compiled() {
		if b == name {
			return true
		}
	}
	return false
}

// Available lists the compiled backends, comma separated.
func Available() string {
	return strings.Join(compiled(), ",")
}
