package model

// Message is a single chat utterance belonging to one conversation.
type Message struct {
	ID                  string   `json:"id"`
	Body                string   `json:"message"`
	Sender              string   `json:"sender,omitempty"`
	SenderID            string   `json:"senderId,omitempty"`
	ConversationID      string   `json:"conversationId,omitempty"`
	CreatedAt           string   `json:"createdAt,omitempty"`
	Edited              bool     `json:"edited,omitempty"`
	Avatar              *FileRef `json:"avatar,omitempty"`
	ReadParticipantsID  []string `json:"readParticipantsId,omitempty"`
	ReadCount           int      `json:"readCount,omitempty"`
	IsReadByCurrentUser bool     `json:"isReadByCurrentUser,omitempty"`
}

// ReadStatusUpdate is the payload pushed on the read-status queue when a
// set of participants has seen a message.
type ReadStatusUpdate struct {
	ConversationID     string   `json:"conversationId"`
	MessageID          string   `json:"messageId"`
	ReadParticipantsID []string `json:"readParticipantsId"`
	ReadCount          int      `json:"readCount"`
}

// NewestMessageBroadcast is the cross-conversation push announcing the
// newest message of any conversation the user participates in.
type NewestMessageBroadcast struct {
	ConversationID   string   `json:"conversationId"`
	Message          *Message `json:"message"`
	ConversationType string   `json:"conversationType,omitempty"`
	ParticipantCount int      `json:"participantCount,omitempty"`
	Timestamp        int64    `json:"timestamp,omitempty"`
}
