package wire

// Error codes carried in error reply payloads. Grouped by the failure class
// they report.
const (
	// Transport and framing.
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeBinaryNotSupported = "BINARY_NOT_SUPPORTED"

	// Admission.
	CodeRateLimit = "RATE_LIMIT"

	// Authentication.
	CodeUnauthenticated        = "UNAUTHENTICATED"
	CodeAuthPayloadRequired    = "AUTH_PAYLOAD_REQUIRED"
	CodeAuthInvalidToken       = "AUTH_INVALID_TOKEN"
	CodeAuthInvalidKey         = "AUTH_INVALID_KEY"
	CodeAuthCredentialsRequire = "AUTH_CREDENTIALS_REQUIRED"
	CodeAuthInvalidCredentials = "AUTH_INVALID_CREDENTIALS"

	// Authorization.
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"

	// Validation.
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeSubscriptionLimit  = "SUBSCRIPTION_LIMIT"

	// Repository collaborator.
	CodeTaskNotFound        = "TASK_NOT_FOUND"
	CodeTaskCreateError     = "TASK_CREATE_ERROR"
	CodeTaskUpdateError     = "TASK_UPDATE_ERROR"
	CodeTaskDeleteError     = "TASK_DELETE_ERROR"
	CodeBoardNotFound       = "BOARD_NOT_FOUND"
	CodeBoardUpdateError    = "BOARD_UPDATE_ERROR"
	CodeNoteAddError        = "NOTE_ADD_ERROR"
	CodeTagAssignError      = "TAG_ASSIGN_ERROR"
	CodeDependencyAddFailed = "DEPENDENCY_ADD_FAILED"
	CodeDependencyRemove    = "DEPENDENCY_REMOVE_FAILED"
	CodeSubtaskError        = "SUBTASK_ERROR"
	CodeBulkOperationError  = "BULK_OPERATION_ERROR"

	// Fatal.
	CodeInternalError = "INTERNAL_ERROR"
)

// WebSocket close codes. Standard codes (1000, 1001) come from RFC 6455; the
// 4000 range is reserved for application use.
const (
	CloseNormal           = 1000
	CloseServerShutdown   = 1001
	CloseInternalError    = 4000
	CloseProtocolError    = 4002
	CloseAuthTimeout      = 4003
	CloseAuthFailed       = 4004
	CloseHeartbeatTimeout = 4005
	CloseRateLimit        = 4008
	CloseSlowConsumer     = 4009
)

// CloseReason returns the canonical reason string logged and sent with a close
// code.
func CloseReason(code int) string {
	switch code {
	case CloseNormal:
		return "NORMAL"
	case CloseServerShutdown:
		return "SERVER_SHUTDOWN"
	case CloseInternalError:
		return "INTERNAL_ERROR"
	case CloseProtocolError:
		return "PROTOCOL_ERROR"
	case CloseAuthTimeout:
		return "AUTH_TIMEOUT"
	case CloseAuthFailed:
		return "AUTH_FAILED"
	case CloseHeartbeatTimeout:
		return "HEARTBEAT_TIMEOUT"
	case CloseRateLimit:
		return "RATE_LIMIT"
	case CloseSlowConsumer:
		return "SLOW_CONSUMER"
	default:
		return "UNKNOWN"
	}
}
