package supertrack

// Event types carried in socket and stream envelopes.
//
// EventMessage is the catch-all channel: handlers registered under it also
// observe every envelope whose type is something else, and receive raw
// payloads that could not be parsed at all.
const (
	EventMessage      = "message"
	EventNotification = "notification"

	// Control messages.
	EventMarkRead    = "mark-read"
	EventMarkAllRead = "mark-all-read"
	EventPing        = "ping"
	EventPong        = "pong"

	// Platform events published on the feed.
	EventAgentRegistered    = "agent.registered"
	EventTaskCreated        = "task.created"
	EventTaskCompleted      = "task.completed"
	EventTaskFailed         = "task.failed"
	EventWorkflowStarted    = "workflow.started"
	EventWorkflowCompleted  = "workflow.completed"
	EventConnectorCreated   = "connector.created"
	EventConnectorFailed    = "connector.failed"
	EventConnectorRecovered = "connector.recovered"
	EventPipelineStarted    = "pipeline.started"
	EventSchemaCreated      = "schema.created"
)
