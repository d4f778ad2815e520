package telegram

// Update is one entry from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is the subset of the Telegram message object the bot uses.
type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from"`
}

// Chat identifies the conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// User identifies the sender.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}
