package errors

// Error code constants (spec §7).
// Errors contain code + params only, no hardcoded messages.
// Frontend/CLI handles presentation. Backend logs always in English.

// Identity/parsing error codes (spec §3).
const (
	CodeIDEmpty       = "ID_EMPTY"
	CodeIDWrongPrefix = "ID_WRONG_PREFIX"
	CodeIDMissingSep  = "ID_MISSING_SEPARATOR"
	CodeIDInvalidULID = "ID_INVALID_ULID"
)

// Event store error codes (C1).
const (
	CodeSequenceConflict = "SEQUENCE_CONFLICT"
	CodeUniqueConflict   = "UNIQUE_CONFLICT"
)

// Idempotency error codes (C2).
const (
	CodeIdempotencyKeyConflict = "IDEMPOTENCY_KEY_CONFLICT"
	CodeIdempotencyKeyInvalid  = "IDEMPOTENCY_KEY_INVALID"
)

// Auth error codes.
const (
	CodeAuthFailed   = "AUTH_FAILED"
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeTokenInvalid = "TOKEN_INVALID"
)

// RBAC error codes.
const (
	CodeForbiddenRole = "FORBIDDEN_ROLE"
)

// Resource error codes.
const (
	CodeOrgNotFound      = "ORG_NOT_FOUND"
	CodeAppNotFound      = "APP_NOT_FOUND"
	CodeEnvNotFound      = "ENV_NOT_FOUND"
	CodeReleaseNotFound  = "RELEASE_NOT_FOUND"
	CodeDeployNotFound   = "DEPLOY_NOT_FOUND"
	CodeRouteNotFound    = "ROUTE_NOT_FOUND"
	CodeInstanceNotFound = "INSTANCE_NOT_FOUND"
	CodeNodeNotFound     = "NODE_NOT_FOUND"

	CodeHostnameTaken = "HOSTNAME_TAKEN"
)

// Validation error codes.
const (
	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeNameInvalid         = "NAME_INVALID"
)

// Quota error codes.
const (
	CodeQuotaExceeded = "QUOTA_EXCEEDED"
)

// Projection / dependency error codes.
const (
	CodeProjectionTimeout   = "PROJECTION_TIMEOUT"
	CodeRegistryUnreachable = "REGISTRY_UNREACHABLE"
	CodeNodeOffline         = "NODE_OFFLINE"
	CodeVMAPIError          = "VM_API_ERROR"
	CodeInternalInvariant   = "INTERNAL_INVARIANT_VIOLATION"
)
