package protocol

// Message type constants for control envelopes.
const (
	TypeCommand = "command"
	TypeResult  = "result"
	TypeError   = "error"
)

// Error codes.
const (
	CodeBadRequest  = "bad_request"
	CodeUsage       = "usage"
	CodeResolve     = "resolve_failed"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
)
