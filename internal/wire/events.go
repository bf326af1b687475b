package wire

// Channel is a named topic connections subscribe to.
type Channel string

const (
	ChannelBoard               Channel = "board"
	ChannelTask                Channel = "task"
	ChannelUserPresence        Channel = "user-presence"
	ChannelSystemNotifications Channel = "system-notifications"
	ChannelBoardAnalytics      Channel = "board-analytics"
	ChannelDependencies        Channel = "dependencies"
	ChannelSubtasks            Channel = "subtasks"
)

// Channels lists every subscribable channel.
var Channels = []Channel{
	ChannelBoard,
	ChannelTask,
	ChannelUserPresence,
	ChannelSystemNotifications,
	ChannelBoardAnalytics,
	ChannelDependencies,
	ChannelSubtasks,
}

// ValidChannel reports whether the given name is a known channel.
func ValidChannel(name string) bool {
	for _, c := range Channels {
		if string(c) == name {
			return true
		}
	}
	return false
}

// Server-to-client frame types that are not published events.
const (
	TypeWelcome = "welcome"
	TypeError   = "error"
	TypePing    = "ping"
	TypePong    = "pong"
)

// Published event types. The payload fields carrying routing information for
// each type are documented next to it.
const (
	EventTaskCreated = "task:created" // task, boardId
	EventTaskUpdated = "task:updated" // task or taskId, boardId
	EventTaskDeleted = "task:deleted" // taskId, boardId
	EventTaskMoved   = "task:moved"   // taskId, boardId

	EventBoardUpdated = "board:updated" // board, changes

	EventNoteAdded   = "note:added"   // note, taskId, boardId
	EventNoteUpdated = "note:updated" // note, taskId, boardId

	EventTagAssigned = "tag:assigned" // taskId, tagId, boardId

	EventUserPresence = "user:presence" // userId, status, optional boardId/taskId

	EventTypingStart = "typing:start" // userId, taskId or boardId
	EventTypingStop  = "typing:stop"  // userId, taskId or boardId

	EventSystemNotification = "system:notification" // type, title, message
	EventConnectionStatus   = "connection:status"   // status, clientId

	EventDependencyAdded   = "dependency:added"   // taskId, dependsOnTaskId, boardId
	EventDependencyRemoved = "dependency:removed" // taskId, dependsOnTaskId, boardId
	EventDependencyBlocked = "dependency:blocked" // taskId, boardId

	EventSubtaskCreated   = "subtask:created"   // subtask, parentTaskId, parentProgress, boardId
	EventSubtaskUpdated   = "subtask:updated"   // subtask, parentTaskId, parentProgress, boardId
	EventSubtaskDeleted   = "subtask:deleted"   // subtaskId, parentTaskId, parentProgress, boardId
	EventSubtaskCompleted = "subtask:completed" // subtask, parentTaskId, parentProgress, boardId

	EventPriorityChanged = "priority:changed" // taskId, priority, boardId
	EventBulkOperation   = "bulk:operation"   // operation, taskIds, userId
)

// PresenceStatusValid reports whether a client-supplied presence status is one
// of the broadcastable values.
func PresenceStatusValid(status string) bool {
	switch status {
	case "online", "offline", "away":
		return true
	default:
		return false
	}
}
