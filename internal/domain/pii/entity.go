// Package pii contains the domain model for detected sensitive-data entities:
// spans reported by the detection collaborator, the masked/encrypted forms a
// finding takes on its way to storage, and the audit trail around decryption.
package pii

import (
	"encoding/json"
	"strings"
)

// contextRadius is the number of bytes of surrounding text captured on each
// side of a detected span for display context.
const contextRadius = 40

// Span is a raw detection span as reported by the detection collaborator.
// Offsets are byte positions into the analyzed text and are not trusted:
// entity construction clamps them to the text bounds.
type Span struct {
	Type       string
	Label      string
	Start      int
	End        int
	Confidence float64
	RawValue   string
}

// Statistics summarizes one detection call.
type Statistics struct {
	CharsProcessed int
	SpanCount      int
}

// Detection is the outcome of analyzing one piece of text.
type Detection struct {
	Entities []Entity
	Stats    Statistics
}

// Entity is one detected sensitive-data span within an item's text. It is a
// value object: operations like encryption return a new Entity and never
// mutate the receiver.
type Entity struct {
	entityType       string
	label            string
	startPosition    int
	endPosition      int
	confidence       float64
	sensitiveValue   string
	sensitiveContext string
	maskedContext    string
	encrypted        bool
}

// NewEntityFromSpan builds an Entity from a raw detection span and the text it
// was detected in. Out-of-bounds positions are clamped, never rejected, so a
// misbehaving detection model cannot fail an item. Confidence is clamped to
// [0, 1].
func NewEntityFromSpan(span Span, sourceText string) Entity {
	start, end := clampSpan(span.Start, span.End, len(sourceText))

	value := sourceText[start:end]

	ctxStart := start - contextRadius
	if ctxStart < 0 {
		ctxStart = 0
	}
	ctxEnd := end + contextRadius
	if ctxEnd > len(sourceText) {
		ctxEnd = len(sourceText)
	}
	context := sourceText[ctxStart:ctxEnd]

	confidence := span.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return Entity{
		entityType:       span.Type,
		label:            span.Label,
		startPosition:    start,
		endPosition:      end,
		confidence:       confidence,
		sensitiveValue:   value,
		sensitiveContext: context,
		maskedContext:    maskValue(context, value, span.Type),
	}
}

// ReconstructEntity creates an Entity from persisted data. This should only be
// used by repositories when rehydrating from storage.
func ReconstructEntity(
	entityType string,
	label string,
	startPosition int,
	endPosition int,
	confidence float64,
	sensitiveValue string,
	sensitiveContext string,
	maskedContext string,
	encrypted bool,
) Entity {
	return Entity{
		entityType:       entityType,
		label:            label,
		startPosition:    startPosition,
		endPosition:      endPosition,
		confidence:       confidence,
		sensitiveValue:   sensitiveValue,
		sensitiveContext: sensitiveContext,
		maskedContext:    maskedContext,
		encrypted:        encrypted,
	}
}

// Getters for Entity.
func (e Entity) Type() string             { return e.entityType }
func (e Entity) Label() string            { return e.label }
func (e Entity) StartPosition() int       { return e.startPosition }
func (e Entity) EndPosition() int         { return e.endPosition }
func (e Entity) Confidence() float64      { return e.confidence }
func (e Entity) SensitiveValue() string   { return e.sensitiveValue }
func (e Entity) SensitiveContext() string { return e.sensitiveContext }
func (e Entity) MaskedContext() string    { return e.maskedContext }

// Encrypted reports whether the sensitive fields currently hold ciphertext.
func (e Entity) Encrypted() bool { return e.encrypted }

// Metadata returns the encryption metadata bound to this entity. It is used
// as the encryption context so ciphertext cannot be silently swapped between
// fields.
func (e Entity) Metadata() Metadata {
	return Metadata{
		PiiType:       e.entityType,
		StartPosition: e.startPosition,
		EndPosition:   e.endPosition,
	}
}

// WithEncryptedValues returns a copy of the entity whose sensitive fields are
// replaced with the provided ciphertext. The masked context is left untouched:
// masking already replaced the raw value with a type token and needs no
// protection.
func (e Entity) WithEncryptedValues(value, context string) Entity {
	out := e
	out.sensitiveValue = value
	out.sensitiveContext = context
	out.encrypted = true
	return out
}

// WithDecryptedValues returns a copy of the entity whose sensitive fields are
// restored to the provided plaintext.
func (e Entity) WithDecryptedValues(value, context string) Entity {
	out := e
	out.sensitiveValue = value
	out.sensitiveContext = context
	out.encrypted = false
	return out
}

// clampSpan forces a [start, end) pair into the bounds of a text of the given
// length, preserving start <= end.
func clampSpan(start, end, length int) (int, int) {
	if start < 0 {
		start = 0
	}
	if start > length {
		start = length
	}
	if end < start {
		end = start
	}
	if end > length {
		end = length
	}
	return start, end
}

// maskValue replaces every occurrence of the detected value inside the context
// window with a [TYPE] token for safe display.
func maskValue(context, value, entityType string) string {
	if value == "" {
		return context
	}
	return strings.ReplaceAll(context, value, "["+strings.ToUpper(entityType)+"]")
}

// entityJSON is the storage representation of an Entity.
type entityJSON struct {
	Type             string  `json:"type"`
	Label            string  `json:"label"`
	StartPosition    int     `json:"start_position"`
	EndPosition      int     `json:"end_position"`
	Confidence       float64 `json:"confidence"`
	SensitiveValue   string  `json:"sensitive_value"`
	SensitiveContext string  `json:"sensitive_context"`
	MaskedContext    string  `json:"masked_context"`
	Encrypted        bool    `json:"encrypted"`
}

// MarshalJSON serializes the Entity into its storage representation.
func (e Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(entityJSON{
		Type:             e.entityType,
		Label:            e.label,
		StartPosition:    e.startPosition,
		EndPosition:      e.endPosition,
		Confidence:       e.confidence,
		SensitiveValue:   e.sensitiveValue,
		SensitiveContext: e.sensitiveContext,
		MaskedContext:    e.maskedContext,
		Encrypted:        e.encrypted,
	})
}

// UnmarshalJSON deserializes the storage representation into the Entity.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var aux entityJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = ReconstructEntity(
		aux.Type,
		aux.Label,
		aux.StartPosition,
		aux.EndPosition,
		aux.Confidence,
		aux.SensitiveValue,
		aux.SensitiveContext,
		aux.MaskedContext,
		aux.Encrypted,
	)
	return nil
}
