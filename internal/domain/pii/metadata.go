package pii

import "fmt"

// Metadata is the encryption context bound to one entity's sensitive fields.
// The cipher includes it as authenticated data, so ciphertext moved between
// entities, or between fields of the same entity, fails its integrity check
// instead of silently decrypting.
type Metadata struct {
	PiiType       string
	StartPosition int
	EndPosition   int
}

// Bind returns the canonical byte representation used as additional
// authenticated data. The field label distinguishes the value ciphertext from
// the context ciphertext of the same entity.
func (m Metadata) Bind(field string) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d|%s", m.PiiType, m.StartPosition, m.EndPosition, field))
}
