package adapter

import "context"

// Role of a prompt message sent to an LLM provider.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one provider-neutral prompt message.
type Message struct {
	Role    Role
	Content string
}

// LLM is the interface for text generation providers.
type LLM interface {
	// Generate produces a complete reply for the conversation
	Generate(ctx context.Context, msgs []Message) (string, error)

	// GenerateStream produces a reply while delivering fragments to fn as
	// they arrive. The accumulated full text is returned once generation
	// finishes; a consumer that stops reading fragments does not abort
	// generation.
	GenerateStream(ctx context.Context, msgs []Message, fn func(fragment string)) (string, error)
}

// Embedder converts text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
