package observability

const (
	AttrServiceName    = "service.name"
	AttrServiceVersion = "service.version"

	AttrCapabilityFQCN      = "cer.capability.fqcn"
	AttrCapabilityVersion   = "cer.capability.version"
	AttrDependencyNamespace = "cer.dependency.namespace"
	AttrDependencyVersion   = "cer.dependency.version"
	AttrSubprocessCommand   = "cer.subprocess.command"
	AttrRouteClass          = "cer.route.class"
	AttrRemoteEndpoint      = "cer.remote.endpoint"
	AttrWorkflowID          = "cer.workflow.id"
	AttrApprovalReason      = "cer.approval.reason"
	AttrEventID             = "cer.event_id"

	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
	AttrStatusCode   = "http.status_code"

	SpanCapabilityLoad    = "cer.capability.load"
	SpanCapabilityCall    = "cer.capability.call"
	SpanDependencyEnsure  = "cer.dependency.ensure"
	SpanDependencyInstall = "cer.dependency.install"
	SpanSubprocessCall    = "cer.subprocess.call"
	SpanSandboxExecution  = "cer.sandbox.execution"
	SpanRemoteCall        = "cer.remote.call"

	DefaultServiceName  = "cer"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultSamplingRate = 1.0
	DefaultMetricsPath  = "/metrics"
)
