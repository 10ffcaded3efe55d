package session

import "github.com/hotaru-ai/hotaru/internal/bus"

var (
	EventCreated = bus.Define("session.created", `{
		"type": "object",
		"properties": {"id": {"type": "string"}},
		"required": ["id"]
	}`)
	EventUpdated = bus.Define("session.updated", `{
		"type": "object",
		"properties": {"id": {"type": "string"}},
		"required": ["id"]
	}`)
	EventDeleted = bus.Define("session.deleted", `{
		"type": "object",
		"properties": {"id": {"type": "string"}},
		"required": ["id"]
	}`)
	EventStatus = bus.Define("session.status", `{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"status": {"type": "string", "enum": ["idle", "working"]}
		},
		"required": ["id", "status"]
	}`)
	EventMessageUpdated = bus.Define("message.updated", `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string"},
			"message_id": {"type": "string"}
		},
		"required": ["session_id", "message_id"]
	}`)
	EventPartUpdated = bus.Define("message.part.updated", `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string"},
			"message_id": {"type": "string"},
			"part_id": {"type": "string"},
			"type": {"type": "string"}
		},
		"required": ["message_id", "part_id"]
	}`)
	EventPartDelta = bus.Define("message.part.delta", `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string"},
			"message_id": {"type": "string"},
			"part_id": {"type": "string"},
			"delta": {"type": "string"}
		},
		"required": ["part_id", "delta"]
	}`)
	EventCommandExecuted = bus.Define("command.executed", `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string"},
			"command": {"type": "string"}
		},
		"required": ["command"]
	}`)
)
