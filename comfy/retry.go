package comfy

import "strings"

// RetryableFailure reports whether a worker-reported error looks like the
// transient failure mode where a checkpoint has not finished loading yet.
// The worker surfaces these as validation errors mentioning a nil clip input.
func RetryableFailure(errMsg string) bool {
	if errMsg == "" {
		return false
	}
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "clip input is invalid") || strings.Contains(lower, "none")
}
