package log

const (
	NamespaceKey = "enrichflow"

	WorkflowIDKey   = NamespaceKey + ".workflow.id"
	WorkflowNameKey = NamespaceKey + ".workflow.name"
	StepNameKey     = NamespaceKey + ".step.name"
	StatusKey       = NamespaceKey + ".status"

	EventTypeKey     = NamespaceKey + ".event.type"
	CorrelationIDKey = NamespaceKey + ".correlation.id"

	JobIDKey      = NamespaceKey + ".job.id"
	BatchSizeKey  = NamespaceKey + ".batch.size"
	JobsSweptKey  = NamespaceKey + ".jobs.swept"
	ReasonKey     = NamespaceKey + ".reason"
	RetryCountKey = NamespaceKey + ".retry_count"

	AttemptKey  = NamespaceKey + ".attempt"
	DelayKey    = NamespaceKey + ".delay"
	DurationKey = NamespaceKey + ".duration_ms"

	StatusCodeKey = NamespaceKey + ".http.status"
	RemoteAddrKey = NamespaceKey + ".http.remote_addr"
)
