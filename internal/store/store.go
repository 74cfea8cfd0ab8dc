// ABOUTME: Store interface and data types for parley-gateway persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a conversation whose id already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// Conversation is a multi-participant chat addressed to one agent role.
type Conversation struct {
	ID        string
	Title     string
	AgentRole string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message sender roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a persisted conversation message. Sender holds the user ID for
// user messages and the agent role for assistant messages; Role
// distinguishes the two.
type Message struct {
	ID             string
	ConversationID string
	Sender         string
	Role           string
	Content        string
	CostUSD        float64
	CreatedAt      time.Time
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)

	// Participants
	AddParticipant(ctx context.Context, conversationID, userID string) error
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListParticipants(ctx context.Context, conversationID string) ([]string, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	Close() error
}
