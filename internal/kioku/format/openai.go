package format

import (
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"

	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
	"github.com/bdobrica/Kioku/internal/kioku/tokens"
)

// Context windows for OpenAI chat models.
const (
	DefaultOpenAITokens = 4000
	GPT4Tokens          = 8000
	GPT4TurboTokens     = 128000
)

// AttrToolCallID is the turn attribute carrying an OpenAI tool_call_id.
const AttrToolCallID = "tool_call_id"

// OpenAIFormat converts logs to OpenAI chat completion messages.
type OpenAIFormat struct {
	MaxTokens int
}

var _ Adapter[openai.ChatCompletionMessageParamUnion] = OpenAIFormat{}

// NewOpenAIFormat returns an OpenAIFormat with the default context window.
func NewOpenAIFormat() OpenAIFormat { return OpenAIFormat{MaxTokens: DefaultOpenAITokens} }

// GPT4 returns an OpenAIFormat sized for GPT-4.
func GPT4() OpenAIFormat { return OpenAIFormat{MaxTokens: GPT4Tokens} }

// GPT4Turbo returns an OpenAIFormat sized for GPT-4 Turbo.
func GPT4Turbo() OpenAIFormat { return OpenAIFormat{MaxTokens: GPT4TurboTokens} }

// Export implements Adapter. Tool turns become tool messages answering the
// call named by their tool_call_id attribute.
func (f OpenAIFormat) Export(l *conversation.Log) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, l.Len())
	for _, t := range l.Turns {
		switch t.Role {
		case conversation.RoleSystem:
			out = append(out, openai.SystemMessage(t.Content))
		case conversation.RoleUser:
			out = append(out, openai.UserMessage(t.Content))
		case conversation.RoleAssistant:
			out = append(out, openai.AssistantMessage(t.Content))
		case conversation.RoleTool:
			out = append(out, openai.ToolMessage(t.Content, t.Attribute(AttrToolCallID)))
		default:
			return nil, errs.InvalidData("format.OpenAIFormat.Export", fmt.Errorf("turn %s has unknown role %q", t.ID, string(t.Role)))
		}
	}
	return out, nil
}

// Import implements Adapter. Developer messages are read as system turns.
func (f OpenAIFormat) Import(msgs []openai.ChatCompletionMessageParamUnion, name string) (*conversation.Log, error) {
	const op = "format.OpenAIFormat.Import"
	im := newImporter(op, name)
	for i, m := range msgs {
		content, err := openAIText(m)
		if err != nil {
			return nil, errs.InvalidData(op, fmt.Errorf("message %d: %w", i, err))
		}

		var turn *conversation.Turn
		switch {
		case m.OfSystem != nil, m.OfDeveloper != nil:
			turn = conversation.System(content)
		case m.OfAssistant != nil:
			turn = conversation.Assistant(content)
		case m.OfTool != nil:
			turn = conversation.Tool(content).WithAttribute(AttrToolCallID, m.OfTool.ToolCallID)
		default:
			turn = conversation.User(content)
		}
		if err := im.add(turn); err != nil {
			return nil, err
		}
	}
	return im.log, nil
}

// EstimateTokens implements Adapter.
func (f OpenAIFormat) EstimateTokens(m openai.ChatCompletionMessageParamUnion) int {
	content, _ := openAIText(m)
	return tokens.Estimate(content)
}

// MaxContextTokens implements Adapter.
func (f OpenAIFormat) MaxContextTokens() int {
	if f.MaxTokens <= 0 {
		return DefaultOpenAITokens
	}
	return f.MaxTokens
}

// openAIText flattens a message's content to plain text. Messages without
// content, such as assistant tool calls, yield "".
func openAIText(m openai.ChatCompletionMessageParamUnion) (string, error) {
	switch v := m.GetContent().AsAny().(type) {
	case nil:
		return "", nil
	case *string:
		if v == nil {
			return "", nil
		}
		return *v, nil
	case *[]openai.ChatCompletionContentPartTextParam:
		if v == nil {
			return "", nil
		}
		parts := make([]string, len(*v))
		for i, p := range *v {
			parts[i] = p.Text
		}
		return strings.Join(parts, ""), nil
	case *[]openai.ChatCompletionContentPartUnionParam:
		if v == nil {
			return "", nil
		}
		var b strings.Builder
		for _, p := range *v {
			if p.OfText != nil {
				b.WriteString(p.OfText.Text)
			}
		}
		return b.String(), nil
	case *[]openai.ChatCompletionAssistantMessageParamContentArrayOfContentPartUnion:
		if v == nil {
			return "", nil
		}
		var b strings.Builder
		for _, p := range *v {
			switch {
			case p.OfText != nil:
				b.WriteString(p.OfText.Text)
			case p.OfRefusal != nil:
				b.WriteString(p.OfRefusal.Refusal)
			}
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("unsupported content type %T", v)
	}
}
