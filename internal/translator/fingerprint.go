package translator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tallybridge/tallysync/internal/models"
)

// Fingerprint hashes the snapshot's canonical form: NFC-normalized values
// over a key-sorted field set. Two snapshots with the same business content
// always fingerprint identically, regardless of map order or Unicode
// composition.
func (t *TallyTranslator) Fingerprint(snapshot *models.EntitySnapshot) string {
	keys := make([]string, 0, len(snapshot.Fields))
	for k := range snapshot.Fields {
		if snapshot.Fields[k] == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(string(snapshot.Type))
	sb.WriteByte(0)
	sb.WriteString(snapshot.ID)
	sb.WriteByte(0)
	if snapshot.Deleted {
		sb.WriteString("deleted")
		sb.WriteByte(0)
	}
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(1)
		sb.WriteString(norm.NFC.String(snapshot.Fields[k]))
		sb.WriteByte(0)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
