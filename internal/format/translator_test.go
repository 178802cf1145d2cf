package format

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/logging"
)

// validSignature passes the minimum-length check everywhere a real upstream
// signature would.
var validSignature = strings.Repeat("a", 64)

func quietLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard)
}

func newTestTranslator(t *testing.T, tagMode string) *Translator {
	t.Helper()
	schemas, err := NewSchemaCache()
	require.NoError(t, err)
	return NewTranslator(quietLogger(), NewSignatureCache(), schemas, tagMode)
}

func newPassthroughTranslator(t *testing.T) *Translator {
	t.Helper()
	return newTestTranslator(t, config.ThinkingTagsPassthrough)
}
