package log

// Request
const (
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"
)

// Actor, matches the keys set by pkg/middleware.
const (
	FieldUserID   = "user_id"
	FieldUsername = "username"
)

// Collaboration
const (
	FieldConnID     = "conn_id"
	FieldDocumentID = "document_id"
	FieldEventType  = "event_type"
	FieldMembers    = "members"
)

const FieldService = "service"

// Audit
const (
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
