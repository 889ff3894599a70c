package content

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDocIDIsContentAddressed(t *testing.T) {
	a := DocID([]byte("same content"))
	b := DocID([]byte("same content"))
	c := DocID([]byte("different content"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, len(a) > 4 && a[:4] == "doc_")
}

func TestPointIDIsDeterministic(t *testing.T) {
	docID := DocID([]byte("body"))

	assert.Equal(t, PointID(docID, 0), PointID(docID, 0))
	assert.NotEqual(t, PointID(docID, 0), PointID(docID, 1))
	assert.NotEqual(t, PointID(docID, 0), PointID(DocID([]byte("other")), 0))
}

func TestPointIDIsUUIDFormatted(t *testing.T) {
	// The vector store's point-id field only accepts UUIDs, so the derived
	// id must parse as one.
	id := PointID(DocID([]byte("body")), 3)
	parsed, err := uuid.Parse(string(id))
	assert.NoError(t, err)
	assert.Len(t, string(id), 36)
	assert.Equal(t, parsed.String(), string(id))
}

func TestHashIsStableHex(t *testing.T) {
	h := Hash([]byte("x"))
	assert.Len(t, h, 64)
	assert.Equal(t, h, Hash([]byte("x")))
}
