// Package cadence is a multi-channel conversational agent runtime.
//
// A conversation is a History: several channels of dated messages, each
// channel carrying summaries that stand in for pruned regions. All mutation
// flows through ReduceHistory, which applies diff documents
// (InternalUpdates) while preserving ordering and tool-call invariants.
//
// A run executes a compiled Graph of stages in supersteps: link enrichment,
// turn selection, tool scheduling, the agent's streamed reply and background
// summarization, followed by a merge and cleanup pass. The Runner serializes
// runs per conversation thread and checkpoints the State at every superstep
// boundary.
//
// Tool calls execute asynchronously through a Client, which gives each
// thread its own execution queue and a quick-response window: tools that
// finish inside the window feed their results into the same run, slower ones
// wake the pipeline when done. Stream events and directives (see
// DirectiveSend and friends) form the side channel adapters consume.
package cadence
