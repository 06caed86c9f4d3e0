package model

// Conversation types as reported by the backend.
const (
	ConversationDirect = "DIRECT"
	ConversationGroup  = "GROUP"
)

// Conversation is a chat channel the current user participates in.
// DIRECT conversations have exactly two participants.
type Conversation struct {
	ConversationID    string       `json:"conversationId"`
	ConversationName  string       `json:"conversationName,omitempty"`
	ConversationType  string       `json:"conversationType,omitempty"`
	Avatar            *FileRef     `json:"avatar,omitempty"`
	Links             []string     `json:"links,omitempty"`
	UserDetails       []UserDetail `json:"userDetails,omitempty"`
	ParticipantIDs    []string     `json:"participantIds,omitempty"`
	CreatorID         string       `json:"creatorId,omitempty"`
	NewestChatMessage *Message     `json:"newestChatMessage,omitempty"`
	UnreadCount       int          `json:"unreadCount,omitempty"`
	HasUnreadMessages bool         `json:"hasUnreadMessages,omitempty"`
}

// UserDetail is the public profile record attached to conversation members.
type UserDetail struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName,omitempty"`
	ShownName   string   `json:"shownName,omitempty"`
	Bio         string   `json:"bio,omitempty"`
	Avatar      *FileRef `json:"avatar,omitempty"`
}

// FileRef points at an uploaded media object (avatars, attachments).
type FileRef struct {
	ID           string `json:"id"`
	FileName     string `json:"fileName,omitempty"`
	URL          string `json:"url,omitempty"`
	SecureURL    string `json:"secureUrl,omitempty"`
	Format       string `json:"format,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}
