// Package content computes the system's content-addressed identifiers:
// a document's id and content hash are the same digest of its
// raw bytes, and a chunk's point id is a deterministic function of its
// document id and index, stable across restarts and processes.
package content

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"docucore/internal/types"
)

// pointIDNamespace scopes the UUIDv5 derivation of point ids. Changing it
// would orphan every already-upserted vector point, so it is fixed.
var pointIDNamespace = uuid.MustParse("5e9c1c3a-9d2f-4a6b-8f21-7d3c84a1e5b0")

// Hash returns the hex-encoded blake2b-256 digest of data.
func Hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DocID derives a document's content-addressed id from its raw content: two
// documents with identical content always mint the same id, and any change
// to the content mints a new one.
func DocID(data []byte) types.DocumentID {
	return types.DocumentID("doc_" + Hash(data))
}

// PointID derives a chunk's point id deterministically from its document id
// and 0-based chunk index, so it is stable across restarts and processes
// and serves as the join key between the relational and vector stores. The
// id is a name-based UUID rather than a prefixed hash because the vector
// store's point-id field only accepts UUID-formatted strings or integers.
func PointID(docID types.DocumentID, chunkIndex int) types.PointID {
	id := uuid.NewSHA1(pointIDNamespace, []byte(fmt.Sprintf("%s:%d", docID, chunkIndex)))
	return types.PointID(id.String())
}
