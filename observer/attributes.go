package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for agent observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrSandboxKind     = attribute.Key("sandbox.kind")
	AttrSandboxMethod   = attribute.Key("sandbox.method")
	AttrSandboxExitCode = attribute.Key("sandbox.exit_code")
)
