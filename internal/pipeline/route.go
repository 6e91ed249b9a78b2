package pipeline

import "strings"

// ParseRoute splits an inbound request path of the form
// /p/<session_id>/<upstream_path...> into the session id and the path to
// forward upstream (query string excluded, the caller re-attaches it).
// Generalizes the teacher's provider/agent path-splitting idiom to a
// single session-id segment.
func ParseRoute(path string) (sessionID, upstreamPath string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/p/")
	if trimmed == path {
		return "", "", false
	}

	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", false
	}

	sessionID = parts[0]
	if len(parts) == 2 {
		upstreamPath = "/" + parts[1]
	} else {
		upstreamPath = "/"
	}
	return sessionID, upstreamPath, true
}

// isMessagesPath reports whether path targets the Anthropic Messages
// endpoint, the only endpoint the tool interceptor engages on.
func isMessagesPath(path string) bool {
	return strings.HasSuffix(path, "/v1/messages")
}
