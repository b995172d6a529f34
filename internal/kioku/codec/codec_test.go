package codec

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
)

func sampleLog(t *testing.T) *conversation.Log {
	t.Helper()
	l := conversation.New("round-trip")
	l.Attributes["project"] = "kioku"
	l.Attributes["nested"] = map[string]any{"depth": 1.5, "tags": []any{"a", "b"}}

	turns := []*conversation.Turn{
		conversation.System("You are a helpful assistant."),
		conversation.User("こんにちは、世界 🌏").WithAttribute("lang", "ja"),
		conversation.Assistant("Здравствуйте! ¿Qué tal?").WithTokenCount(12),
		conversation.Tool(`{"ok":true}`).
			WithAttribute("tool_call_id", "call_42").
			WithAttribute("ok", true).
			WithAttribute("latency_ms", 12.5),
	}
	for _, turn := range turns {
		if err := l.Append(turn); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return l
}

func assertLogsEqual(t *testing.T, got, want *conversation.Log) {
	t.Helper()
	if got.ID != want.ID {
		t.Errorf("ID: got %q, want %q", got.ID, want.ID)
	}
	if got.Name != want.Name {
		t.Errorf("Name: got %q, want %q", got.Name, want.Name)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt: got %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	if !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("UpdatedAt: got %v, want %v", got.UpdatedAt, want.UpdatedAt)
	}
	if !reflect.DeepEqual(got.Attributes, want.Attributes) {
		t.Errorf("Attributes: got %#v, want %#v", got.Attributes, want.Attributes)
	}
	if len(got.Turns) != len(want.Turns) {
		t.Fatalf("Turns: got %d, want %d", len(got.Turns), len(want.Turns))
	}
	for i := range want.Turns {
		g, w := got.Turns[i], want.Turns[i]
		if g.ID != w.ID || g.Role != w.Role || g.Content != w.Content {
			t.Errorf("turn %d: got {%s %s %q}, want {%s %s %q}", i, g.ID, g.Role, g.Content, w.ID, w.Role, w.Content)
		}
		if !g.CreatedAt.Equal(w.CreatedAt) {
			t.Errorf("turn %d CreatedAt: got %v, want %v", i, g.CreatedAt, w.CreatedAt)
		}
		if (g.TokenCount == nil) != (w.TokenCount == nil) ||
			(g.TokenCount != nil && *g.TokenCount != *w.TokenCount) {
			t.Errorf("turn %d TokenCount: got %v, want %v", i, g.TokenCount, w.TokenCount)
		}
		if !reflect.DeepEqual(g.Attributes, w.Attributes) {
			t.Errorf("turn %d Attributes: got %#v, want %#v", i, g.Attributes, w.Attributes)
		}
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	codecs := []Codec{
		{Format: FormatJSON},
		{Format: FormatJSON, Compress: true},
		{Format: FormatCBOR},
		{Format: FormatCBOR, Compress: true},
		{}, // zero value is JSON
	}
	for _, c := range codecs {
		t.Run(c.Extension(), func(t *testing.T) {
			want := sampleLog(t)
			data, err := c.Encode(want)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := c.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			assertLogsEqual(t, got, want)
		})
	}
}

func TestCodec_NumericAttributesRoundTrip(t *testing.T) {
	build := func(t *testing.T) *conversation.Log {
		t.Helper()
		l := conversation.New("numbers")
		l.Attributes["count"] = 42
		l.SetAttribute("limits", map[string]any{"max": uint64(9000), "ratio": 0.75, "ids": []any{int64(-1), 7}})
		turn := conversation.User("x").
			WithAttribute("retries", 3).
			WithAttribute("whole", 2.0).
			WithAttribute("offset", int64(-5))
		if err := l.Append(turn); err != nil {
			t.Fatalf("Append: %v", err)
		}
		return l
	}

	codecs := []Codec{
		{Format: FormatJSON},
		{Format: FormatJSON, Compress: true},
		{Format: FormatCBOR},
		{Format: FormatCBOR, Compress: true},
	}
	var decoded []*conversation.Log
	for _, c := range codecs {
		t.Run(c.Extension(), func(t *testing.T) {
			want := build(t)
			data, err := c.Encode(want)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := c.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			assertLogsEqual(t, got, want)
			if v, ok := got.Attributes["count"].(int); !ok || v != 42 {
				t.Errorf("count: got %#v, want int(42)", got.Attributes["count"])
			}
			if v, ok := got.Turns[0].Attributes["whole"].(int); !ok || v != 2 {
				t.Errorf("whole: got %#v, want int(2)", got.Turns[0].Attributes["whole"])
			}
			decoded = append(decoded, got)
		})
	}

	for i := 1; i < len(decoded); i++ {
		if !reflect.DeepEqual(decoded[i].Attributes, decoded[0].Attributes) ||
			!reflect.DeepEqual(decoded[i].Turns[0].Attributes, decoded[0].Turns[0].Attributes) {
			t.Errorf("codec %s decodes attributes differently from %s", codecs[i].Extension(), codecs[0].Extension())
		}
	}
}

func TestCodec_JSONFieldNames(t *testing.T) {
	data, err := Default().Encode(sampleLog(t))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for _, field := range []string{`"id"`, `"name"`, `"created_at"`, `"updated_at"`, `"turns"`, `"role": "tool"`, `"token_count": 12`, `"attributes"`} {
		if !bytes.Contains(data, []byte(field)) {
			t.Errorf("encoded JSON missing %s", field)
		}
	}
}

func TestCodec_CBORIsDeterministic(t *testing.T) {
	l := sampleLog(t)
	c := Codec{Format: FormatCBOR}
	a, err := c.Encode(l)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := c.Encode(l)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("CBOR encoding is not deterministic")
	}
}

func TestCodec_DecodeInvalid(t *testing.T) {
	valid, err := Default().Encode(sampleLog(t))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tests := []struct {
		name  string
		codec Codec
		data  []byte
	}{
		{name: "not json", codec: Default(), data: []byte("{not json")},
		{name: "missing id", codec: Default(), data: []byte(`{"name":"x","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z","turns":[]}`)},
		{name: "unknown role", codec: Default(), data: bytes.Replace(valid, []byte(`"role": "tool"`), []byte(`"role": "function"`), 1)},
		{name: "negative tokens", codec: Default(), data: bytes.Replace(valid, []byte(`"token_count": 12`), []byte(`"token_count": -3`), 1)},
		{name: "bad timestamp", codec: Default(), data: []byte(`{"id":"a","name":"x","created_at":"yesterday","updated_at":"2026-01-01T00:00:00Z","turns":[]}`)},
		{name: "garbage zstd", codec: Codec{Compress: true}, data: []byte("definitely not zstd")},
		{name: "garbage cbor", codec: Codec{Format: FormatCBOR}, data: []byte{0xff, 0x00, 0x13}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.codec.Decode(tt.data)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errs.IsInvalidData(err) {
				t.Errorf("expected InvalidData, got %v", err)
			}
		})
	}
}

func TestCodec_DecodeRejectsStructuralViolations(t *testing.T) {
	l := sampleLog(t)
	l.Turns[1].ID = l.Turns[0].ID

	for _, c := range []Codec{{Format: FormatJSON}, {Format: FormatCBOR}} {
		data, err := c.Encode(l)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if _, err := c.Decode(data); !errs.IsInvalidData(err) {
			t.Errorf("%s: duplicate turn ids: got %v, want InvalidData", c.Format, err)
		}
	}
}

func TestCodec_CBORRejectsUnknownRole(t *testing.T) {
	l := sampleLog(t)
	l.Turns[0].Role = "oracle"
	c := Codec{Format: FormatCBOR}
	data, err := c.Encode(l)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = c.Decode(data)
	if !errs.IsInvalidData(err) {
		t.Errorf("got %v, want InvalidData", err)
	}
}

func TestCodec_Extension(t *testing.T) {
	tests := []struct {
		codec Codec
		want  string
	}{
		{Codec{}, ".json"},
		{Codec{Format: FormatJSON, Compress: true}, ".json.zst"},
		{Codec{Format: FormatCBOR}, ".cbor"},
		{Codec{Format: FormatCBOR, Compress: true}, ".cbor.zst"},
	}
	for _, tt := range tests {
		if got := tt.codec.Extension(); got != tt.want {
			t.Errorf("Extension(%+v) = %q, want %q", tt.codec, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatJSON, "json": FormatJSON, "CBOR": FormatCBOR} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	_, err := ParseFormat("yaml")
	if !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("ParseFormat(yaml): got %v, want ConfigurationError", err)
	}
}

func TestValidateJSON_ErrorMentionsLocation(t *testing.T) {
	err := ValidateJSON([]byte(`{"id":"a","name":"x","created_at":"t","updated_at":"t","turns":[{"id":"t1","role":"robot","content":"","created_at":"t"}]}`))
	if err == nil {
		t.Fatal("expected schema error")
	}
	if !strings.Contains(err.Error(), "turns") {
		t.Errorf("error %q does not point at turns", err)
	}
}
