// Package chat abstracts the chat platform behind a small posting
// surface. The gateway only ever posts a message or edits one in
// place; command parsing and rich blocks live on the platform side.
package chat

import "context"

// Poster posts and edits chat messages. Implementations must treat
// Edit with an unknown messageID as an error so callers can fall back
// to posting a fresh message.
type Poster interface {
	// Post sends a new message and returns its platform message id.
	// threadTS is optional; empty means top-level.
	Post(ctx context.Context, channelID, threadTS, text string) (string, error)

	// Edit replaces the text of an existing message in place.
	Edit(ctx context.Context, channelID, messageID, text string) error
}
