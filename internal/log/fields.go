package log

// Common field names for structured logging
const (
	FieldComponent = "component"
	FieldError     = "error"
	FieldOperation = "operation"
	FieldUserID    = "user_id"
	FieldExpenseID = "expense_id"
	FieldJobID     = "job_id"
	FieldCount     = "count"
	FieldKind      = "kind"
	FieldTargetID  = "target_id"
	FieldAction    = "action"
)

// Components defines standard component names
const (
	ComponentApp      = "app"
	ComponentIngest   = "ingest"
	ComponentStorage  = "storage"
	ComponentAMQP     = "amqp"
	ComponentWorker   = "worker"
	ComponentCache    = "cache"
	ComponentProgress = "progress"
	ComponentAudit    = "audit"
)

// Operations defines standard operation names
const (
	OpCreate     = "create"
	OpUpdate     = "update"
	OpDelete     = "delete"
	OpBulkCreate = "bulk_create"
	OpBulkDelete = "bulk_delete"
	OpList       = "list"
	OpLinkApply  = "link_apply"
	OpReconcile  = "reconcile"
	OpStartup    = "startup"
	OpShutdown   = "shutdown"
)
