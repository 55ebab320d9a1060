package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for pipeline and LLM observability spans and metrics.
var (
	AttrLLMModel  = attribute.Key("llm.model")
	AttrLLMMethod = attribute.Key("llm.method")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrGraphName = attribute.Key("graph.name")
	AttrStageName = attribute.Key("stage.name")
	AttrThreadID  = attribute.Key("thread.id")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")
)
