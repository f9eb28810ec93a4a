package steps

import "log"

// logWarning logs a warning the way distri's internal/build logs
// non-fatal conditions: log.Printf, no structured logging library.
func logWarning(format string, args ...interface{}) {
	log.Printf("WARNING: "+format, args...)
}
