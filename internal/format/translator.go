package format

import (
	"github.com/vantorre/antigravity-relay/internal/logging"
)

// Translator converts requests and responses between the two wire formats.
// One instance is shared by all request handlers; it is safe for concurrent
// use.
type Translator struct {
	log     *logging.Logger
	sigs    *SignatureCache
	schemas *SchemaCache
	tagMode string
}

// NewTranslator wires a Translator. tagMode selects how inline <thinking>
// tags in text output are handled (passthrough, strip or native).
func NewTranslator(log *logging.Logger, sigs *SignatureCache, schemas *SchemaCache, tagMode string) *Translator {
	return &Translator{log: log, sigs: sigs, schemas: schemas, tagMode: tagMode}
}

// Signatures exposes the signature cache for periodic sweeping.
func (t *Translator) Signatures() *SignatureCache { return t.sigs }
