package capture

import (
	"regexp"

	"codeberg.org/mutker/recorderd/internal/errors"
)

// connectivityPattern matches ffmpeg diagnostics that mean the camera could
// not be reached or refused us. Status codes only count next to their
// reason phrase or an RTSP/HTTP reply, so numbers in timestamp or DTS
// warnings do not match.
var connectivityPattern = regexp.MustCompile(`(?i)` +
	`\b(connection refused|connection timed out|operation timed out|connection reset by peer` +
	`|no route to host|network is unreachable|host is unreachable` +
	`|name or service not known|temporary failure in name resolution` +
	`|failed to resolve hostname|could not resolve host)\b` +
	`|\b(401 unauthorized|403 forbidden|404 not found|503 service unavailable)\b` +
	`|\bserver returned [45]\d\d\b` +
	`|\bmethod [a-z_]+ failed: [45]\d\d\b`)

// Classify maps the diagnostics of a failed capture process to a cause.
func Classify(diagnostics []string) errors.ErrorCode {
	for i := len(diagnostics) - 1; i >= 0; i-- {
		if connectivityPattern.MatchString(diagnostics[i]) {
			return errors.ErrCameraUnreachable
		}
	}

	return errors.ErrProcessCrashed
}
