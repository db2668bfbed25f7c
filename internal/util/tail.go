package util

// Tail returns the last max bytes of s. Used to bound external tool output
// (test runs, reviewer stdout) before it is persisted or shipped to workers.
func Tail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
