package session

import (
	"github.com/miradorstack/mirador-errorwatch/internal/events"
	"github.com/miradorstack/mirador-errorwatch/internal/models"
)

type SessionCreated struct {
	Session models.ErrorSession
}

type SessionUpdated struct {
	Session models.ErrorSession
}

type SessionDeleted struct {
	SessionID models.SessionID
}

// SessionExpired is emitted when the store evicts a lapsed session
// (Evicted) and when a lookup misses. Known is set on a miss when the id
// belonged to a session that expired, as opposed to one that never existed.
type SessionExpired struct {
	SessionID models.SessionID
	Evicted   bool
	Known     bool
}

type ErrorAdded struct {
	SessionID models.SessionID
	Error     models.WebError
}

type ErrorDeduplicated struct {
	SessionID    models.SessionID
	ErrorID      string
	Type         models.ErrorType
	NewFrequency int
}

type SessionsCleared struct {
	Count int
}

// Topics emitted by Repository.
var (
	TopicSessionCreated    = events.NewTopic[SessionCreated]("session:created")
	TopicSessionUpdated    = events.NewTopic[SessionUpdated]("session:updated")
	TopicSessionDeleted    = events.NewTopic[SessionDeleted]("session:deleted")
	TopicSessionExpired    = events.NewTopic[SessionExpired]("session:expired")
	TopicErrorAdded        = events.NewTopic[ErrorAdded]("error:added")
	TopicErrorDeduplicated = events.NewTopic[ErrorDeduplicated]("error:deduplicated")
	TopicSessionsCleared   = events.NewTopic[SessionsCleared]("sessions:cleared")
)
