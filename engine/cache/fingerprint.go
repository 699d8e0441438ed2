package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

// Fingerprint hashes normalized reasoning inputs: the sorted, de-duplicated
// observable ids, the resolved vehicle node id, the scored context tags, and
// any extra query parameters that change the result. Equal inputs in any
// order produce the same fingerprint.
func Fingerprint(observableIDs []string, vehicleNodeID string, tags domain.ContextTags, extra ...string) string {
	ids := make([]string, 0, len(observableIDs))
	seen := make(map[string]bool, len(observableIDs))
	for _, id := range observableIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write("obs")
	write(ids...)
	write("vehicle", vehicleNodeID)
	write("ctx", string(tags.Phase), string(tags.Speed), string(tags.Temp), string(tags.Load))
	write("extra")
	write(extra...)
	return hex.EncodeToString(h.Sum(nil))
}
