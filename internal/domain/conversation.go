package domain

// DefaultUserID is used when a request does not name a user.
const DefaultUserID = "default_user"

// ConversationEntry is a single remembered message for one user.
type ConversationEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Exchange is a persisted user/assistant pair. Stores that keep one record
// per exchange (DynamoDB, Postgres) use it as their row shape.
type Exchange struct {
	PK        string
	SK        string
	UserID    string
	Text      string
	Answer    string
	CreatedAt string
	TTL       int64
}

// Entries expands the exchange into its user and assistant entries.
func (e Exchange) Entries() []ConversationEntry {
	return []ConversationEntry{
		{Role: RoleUser, Content: e.Text},
		{Role: RoleAssistant, Content: e.Answer},
	}
}
