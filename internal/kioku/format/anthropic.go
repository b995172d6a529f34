package format

import (
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
	"github.com/bdobrica/Kioku/internal/kioku/tokens"
)

// DefaultAnthropicTokens is the context window assumed for Claude models.
const DefaultAnthropicTokens = 200000

// AttrToolUseID is the turn attribute carrying an Anthropic tool_use_id.
const AttrToolUseID = "tool_use_id"

// AnthropicFormat converts logs to Anthropic Messages API parameters.
//
// The Messages API takes the system prompt separately from the message list,
// so Export skips System turns and System returns them. Tool output is sent
// as a user message holding a tool_result block when the turn carries a
// tool_use_id attribute, and as plain text otherwise.
type AnthropicFormat struct {
	MaxTokens int
}

var _ Adapter[anthropic.MessageParam] = AnthropicFormat{}

// NewAnthropicFormat returns an AnthropicFormat with the default context
// window.
func NewAnthropicFormat() AnthropicFormat {
	return AnthropicFormat{MaxTokens: DefaultAnthropicTokens}
}

// Export implements Adapter.
func (f AnthropicFormat) Export(l *conversation.Log) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, l.Len())
	for _, t := range l.Turns {
		switch t.Role {
		case conversation.RoleSystem:
			continue
		case conversation.RoleUser:
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(t.Content)},
			})
		case conversation.RoleAssistant:
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(t.Content)},
			})
		case conversation.RoleTool:
			block := anthropic.NewTextBlock(t.Content)
			if id := t.Attribute(AttrToolUseID); id != "" {
				block = anthropic.NewToolResultBlock(id, t.Content, false)
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{block},
			})
		default:
			return nil, errs.InvalidData("format.AnthropicFormat.Export", fmt.Errorf("turn %s has unknown role %q", t.ID, string(t.Role)))
		}
	}
	return out, nil
}

// System returns the System turns of l as system prompt blocks.
func (f AnthropicFormat) System(l *conversation.Log) []anthropic.TextBlockParam {
	var out []anthropic.TextBlockParam
	for _, t := range l.Turns {
		if t.Role == conversation.RoleSystem {
			out = append(out, anthropic.TextBlockParam{Text: t.Content})
		}
	}
	return out
}

// Import implements Adapter. A user message made only of tool_result blocks
// becomes a Tool turn.
func (f AnthropicFormat) Import(msgs []anthropic.MessageParam, name string) (*conversation.Log, error) {
	return f.ImportWithSystem(nil, msgs, name)
}

// ImportWithSystem is Import with a system prompt, which becomes leading
// System turns.
func (f AnthropicFormat) ImportWithSystem(system []anthropic.TextBlockParam, msgs []anthropic.MessageParam, name string) (*conversation.Log, error) {
	im := newImporter("format.AnthropicFormat.Import", name)
	for _, block := range system {
		if err := im.add(conversation.System(block.Text)); err != nil {
			return nil, err
		}
	}
	for _, m := range msgs {
		text, toolUseID, onlyToolResults := anthropicText(m)

		var turn *conversation.Turn
		switch {
		case m.Role == anthropic.MessageParamRoleAssistant:
			turn = conversation.Assistant(text)
		case onlyToolResults:
			turn = conversation.Tool(text).WithAttribute(AttrToolUseID, toolUseID)
		default:
			turn = conversation.User(text)
		}
		if err := im.add(turn); err != nil {
			return nil, err
		}
	}
	return im.log, nil
}

// EstimateTokens implements Adapter.
func (f AnthropicFormat) EstimateTokens(m anthropic.MessageParam) int {
	text, _, _ := anthropicText(m)
	return tokens.Estimate(text)
}

// MaxContextTokens implements Adapter.
func (f AnthropicFormat) MaxContextTokens() int {
	if f.MaxTokens <= 0 {
		return DefaultAnthropicTokens
	}
	return f.MaxTokens
}

// anthropicText concatenates the text of m's text and tool_result blocks.
// It also reports the first tool_use_id seen and whether every block was a
// tool result.
func anthropicText(m anthropic.MessageParam) (text, toolUseID string, onlyToolResults bool) {
	var b strings.Builder
	onlyToolResults = len(m.Content) > 0
	for _, block := range m.Content {
		switch {
		case block.OfText != nil:
			b.WriteString(block.OfText.Text)
			onlyToolResults = false
		case block.OfToolResult != nil:
			if toolUseID == "" {
				toolUseID = block.OfToolResult.ToolUseID
			}
			for _, c := range block.OfToolResult.Content {
				if c.OfText != nil {
					b.WriteString(c.OfText.Text)
				}
			}
		default:
			onlyToolResults = false
		}
	}
	return b.String(), toolUseID, onlyToolResults
}
