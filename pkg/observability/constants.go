package observability

import "time"

const (
	AttrServiceName      = "service.name"
	AttrServiceVersion   = "service.version"
	AttrAgentName        = "agent.name"
	AttrAgentLLM         = "agent.llm"
	AttrSessionID        = "session.id"
	AttrTaskID           = "task.id"
	AttrToolName         = "tool.name"
	AttrLLMModel         = "llm.model"
	AttrLLMTokensInput   = "llm.tokens.input"
	AttrLLMTokensOutput  = "llm.tokens.output"
	AttrLLMFinishReason  = "llm.finish_reason"
	AttrMemoryIndexType  = "memory.index_type"
	AttrMemoryResults    = "memory.result_count"
	AttrErrorType        = "error.type"
	AttrStatusCode       = "http.status_code"
	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size_bytes"
	AttrEventID          = "sindri.event_id"

	SpanAgentRun     = "agent.run"
	SpanLLMCall      = "agent.llm_call"
	SpanToolExecution = "agent.tool_execution"
	SpanMemorySearch = "agent.memory_search"
	SpanHTTPRequest  = "http.request"

	DefaultServiceName  = "sindri"
	DefaultSamplingRate = 1.0
	DefaultMetricsPath  = "/metrics"
	DefaultMetricsAddr  = ":9090"
	DefaultTraceTimeout = 10 * time.Second
)
