// Package codec converts conversation logs to and from bytes.
//
// Two encodings are supported: indented JSON (the default, human-readable
// and validated against an embedded JSON Schema on decode) and CBOR using
// Core Deterministic Encoding. Either may be wrapped in zstd compression.
// Every decode failure is reported as errs.ErrInvalidData.
//
// JSON and CBOR represent numbers differently, so decoded attribute values
// are normalized with conversation.NormalizeAttribute: integral numbers come
// back as int and all others as float64, whichever format was used.
package codec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Kioku/internal/kioku/conversation"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
)

// Format selects the wire encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat converts a configuration string to a Format. The empty string
// selects JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	}
	return "", errs.Configuration("codec.ParseFormat", "unknown codec %q", s)
}

//go:embed schema.json
var schemaSource string

const schemaURL = "https://github.com/bdobrica/Kioku/schema/log.json"

var (
	documentSchema *jsonschema.Schema

	cborEnc cbor.EncMode
	cborDec cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	documentSchema = jsonschema.MustCompileString(schemaURL, schemaSource)

	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Codec encodes and decodes logs. The zero value is uncompressed JSON.
type Codec struct {
	Format   Format
	Compress bool
}

// Default returns the uncompressed JSON codec.
func Default() Codec { return Codec{Format: FormatJSON} }

func (c Codec) format() Format {
	if c.Format == "" {
		return FormatJSON
	}
	return c.Format
}

// Extension returns the file suffix for documents written by c, such as
// ".json" or ".cbor.zst".
func (c Codec) Extension() string {
	ext := "." + string(c.format())
	if c.Compress {
		ext += ".zst"
	}
	return ext
}

// Encode serializes l.
func (c Codec) Encode(l *conversation.Log) ([]byte, error) {
	doc := FromLog(l)

	var (
		data []byte
		err  error
	)
	switch c.format() {
	case FormatJSON:
		data, err = json.MarshalIndent(doc, "", "  ")
	case FormatCBOR:
		data, err = cborEnc.Marshal(doc)
	default:
		return nil, errs.Configuration("codec.Encode", "unknown codec %q", string(c.Format))
	}
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", c.format(), err)
	}

	if c.Compress {
		data = zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	}
	return data, nil
}

// Decode parses data written by Encode with the same codec settings.
func (c Codec) Decode(data []byte) (*conversation.Log, error) {
	const op = "codec.Decode"

	if c.Compress {
		raw, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, errs.InvalidData(op, fmt.Errorf("zstd: %w", err))
		}
		data = raw
	}

	var doc Document
	switch c.format() {
	case FormatJSON:
		if err := ValidateJSON(data); err != nil {
			return nil, err
		}
		if err := decodeJSON(data, &doc); err != nil {
			return nil, errs.InvalidData(op, err)
		}
	case FormatCBOR:
		if err := cborDec.Unmarshal(data, &doc); err != nil {
			return nil, errs.InvalidData(op, err)
		}
	default:
		return nil, errs.Configuration(op, "unknown codec %q", string(c.Format))
	}

	return doc.ToLog()
}

// decodeJSON unmarshals with numbers kept as json.Number, the form the
// schema validator expects and the attribute normalizer understands.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// ValidateJSON checks a raw JSON document against the log schema.
func ValidateJSON(data []byte) error {
	var v any
	if err := decodeJSON(data, &v); err != nil {
		return errs.InvalidData("codec.ValidateJSON", err)
	}
	if err := documentSchema.Validate(v); err != nil {
		return errs.InvalidData("codec.ValidateJSON", err)
	}
	return nil
}
