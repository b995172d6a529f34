package format

import (
	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/tokens"
)

// DefaultBedrockTokens is the context window assumed for Bedrock models.
const DefaultBedrockTokens = 8000

// BedrockMessage is the role/content pair sent to Bedrock chat models.
type BedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BedrockFormat converts logs to Bedrock messages. Bedrock has no tool role,
// so tool output is sent as a user message.
type BedrockFormat struct {
	MaxTokens int
}

var _ Adapter[BedrockMessage] = BedrockFormat{}

// NewBedrockFormat returns a BedrockFormat with the default context window.
func NewBedrockFormat() BedrockFormat {
	return BedrockFormat{MaxTokens: DefaultBedrockTokens}
}

// Export implements Adapter.
func (f BedrockFormat) Export(l *conversation.Log) ([]BedrockMessage, error) {
	out := make([]BedrockMessage, 0, l.Len())
	for _, t := range l.Turns {
		role := string(t.Role)
		if t.Role == conversation.RoleTool {
			role = string(conversation.RoleUser)
		}
		out = append(out, BedrockMessage{Role: role, Content: t.Content})
	}
	return out, nil
}

// Import implements Adapter. Unknown roles are read as user messages.
func (f BedrockFormat) Import(msgs []BedrockMessage, name string) (*conversation.Log, error) {
	im := newImporter("format.BedrockFormat.Import", name)
	for _, m := range msgs {
		role, err := conversation.ParseRole(m.Role)
		if err != nil || role == conversation.RoleTool {
			role = conversation.RoleUser
		}
		if err := im.add(conversation.NewTurn(role, m.Content)); err != nil {
			return nil, err
		}
	}
	return im.log, nil
}

// EstimateTokens implements Adapter.
func (f BedrockFormat) EstimateTokens(m BedrockMessage) int {
	return tokens.Estimate(m.Content)
}

// MaxContextTokens implements Adapter.
func (f BedrockFormat) MaxContextTokens() int {
	if f.MaxTokens <= 0 {
		return DefaultBedrockTokens
	}
	return f.MaxTokens
}
