package intent

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zapguard/guardrail/pkg/transport"
)

var payloadSchemas = map[transport.MessageType]string{
	transport.TypeText: `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1, "maxLength": 4096},
			"preview_url": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	transport.TypeAudio: `{
		"type": "object",
		"required": ["media_ref"],
		"properties": {
			"media_ref": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
			"ptt": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	transport.TypeMedia: `{
		"type": "object",
		"required": ["media_ref", "mime_type"],
		"properties": {
			"media_ref": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
			"mime_type": {"type": "string", "pattern": "^(image|video|application)/[a-z0-9.+-]+$"},
			"caption": {"type": "string", "maxLength": 1024},
			"filename": {"type": "string", "maxLength": 255}
		},
		"additionalProperties": false
	}`,
	transport.TypeReaction: `{
		"type": "object",
		"required": ["message_id", "emoji"],
		"properties": {
			"message_id": {"type": "string", "minLength": 1},
			"emoji": {"type": "string", "minLength": 1, "maxLength": 16}
		},
		"additionalProperties": false
	}`,
}

// PayloadValidator validates payloads against the JSON Schema of their type.
type PayloadValidator struct {
	schemas map[transport.MessageType]*jsonschema.Schema
}

// NewPayloadValidator compiles the built-in payload schemas.
func NewPayloadValidator() (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[transport.MessageType]*jsonschema.Schema)}
	for typ, schema := range payloadSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://zapguard.local/schemas/payload/%s.schema.json", strings.ToLower(string(typ)))
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("payload schema load failed: %w", err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("payload schema compile failed: %w", err)
		}
		v.schemas[typ] = compiled
	}
	return v, nil
}

// Validate checks payload against typ's schema and returns the decoded value.
func (v *PayloadValidator) Validate(typ transport.MessageType, payload []byte) (map[string]any, error) {
	schema, ok := v.schemas[typ]
	if !ok {
		return nil, fmt.Errorf("no schema for type %s", typ)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errors.New("payload is empty")
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, err
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, errors.New("payload must be an object")
	}
	return obj, nil
}

// MediaRef returns the referenced media digest, if any.
func MediaRef(doc map[string]any) string {
	ref, _ := doc["media_ref"].(string)
	return ref
}

// PayloadHash returns "sha256:<hex>" of the RFC 8785 canonical form of
// payload, so that semantically equal payloads hash equally.
func PayloadHash(payload []byte) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
