package metrics

const (
	Prefix = "enrichflow."

	// Workflow instances
	WorkflowInstanceCreated   = Prefix + "workflow.created"
	WorkflowInstanceCompleted = Prefix + "workflow.completed"
	WorkflowInstanceFailed    = Prefix + "workflow.failed"
	WorkflowStepRetried       = Prefix + "workflow.step.retried"
	WorkflowStepDuration      = Prefix + "workflow.step.duration"

	// Event routing
	EventDelivered = Prefix + "event.delivered"
	EventBuffered  = Prefix + "event.buffered"
	EventDropped   = Prefix + "event.dropped"

	// Enrichment jobs
	JobsSubmitted = Prefix + "jobs.submitted"
	JobsEnriched  = Prefix + "jobs.enriched"
	JobsFailed    = Prefix + "jobs.failed"
	JobsSwept     = Prefix + "jobs.swept"
	JobsRetried   = Prefix + "jobs.retried"

	// Provider client
	ProviderRequests    = Prefix + "provider.requests"
	ProviderRateLimited = Prefix + "provider.rate_limited"

	// Webhook boundary
	CallbackAccepted = Prefix + "callback.accepted"
	CallbackRejected = Prefix + "callback.rejected"
	CallbackUnknown  = Prefix + "callback.unknown"
)

// Tag names
const (
	WorkflowName = "workflow"
	StepName     = "step"
	EventType    = "event"
	FailureKind  = "kind"
	StatusCode   = "status_code"
)
