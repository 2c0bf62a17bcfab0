package api

// Stable machine-readable error codes.
const (
	CodeValidation       = "VALIDATION"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeFollowerReadonly = "FOLLOWER_READONLY"
	CodeSecretsKey       = "SECRETS_KEY_MISSING"
	CodeJoinCodeExpired  = "JOIN_CODE_EXPIRED"
	CodeJoinCodeInvalid  = "JOIN_CODE_INVALID"
	CodeClusterAuth      = "CLUSTER_AUTH_FAILED"
	CodeInternal         = "INTERNAL"
	CodeTooLarge         = "TOO_LARGE"
)

// ErrorResponse is the error envelope for every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StatusResponse acknowledges an action with no payload.
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthResponse is the /api/health payload.
type HealthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Version  string `json:"version"`
	Database string `json:"database"`
}

// ReadinessResponse is the /readyz and /api/cluster/ready payload.
type ReadinessResponse struct {
	Ready  bool   `json:"ready"`
	Role   string `json:"role"`
	Reason string `json:"reason,omitempty"`
}
