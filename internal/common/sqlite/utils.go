// Package sqlite provides common SQLite utility functions.
package sqlite

// BoolToInt converts a boolean to an integer (for SQLite).
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
