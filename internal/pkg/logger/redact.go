package logger

import "strings"

// RedactEmail masks a recipient address for logging, keeping just enough
// of the local part to correlate log lines with support requests.
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}
