package models

import "time"

type Conversation struct {
	ID        string    `json:"id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether userID takes part in the conversation.
func (c Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Others returns every member except userID.
func (c Conversation) Others(userID string) []string {
	others := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m != userID {
			others = append(others, m)
		}
	}
	return others
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
