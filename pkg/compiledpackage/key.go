package compiledpackage

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"
)

// KeyNode is one dependency in a dependency key, along with its own
// dependencies.
type KeyNode struct {
	Name         string
	Version      string
	Dependencies []KeyNode
}

// DependencyKey encodes a dependency tree canonically, e.g.
//
//	[["bar","42",[["baz","7"]]],["foo","3"]]
//
// Siblings are sorted by name; a node without dependencies has no
// third element. No dependencies at all encodes as `[]`.
func DependencyKey(deps []KeyNode) string {
	bytes, err := json.Marshal(keyArray(deps))
	if err != nil {
		// only strings and slices of them; this can't fail
		panic(err)
	}
	return string(bytes)
}

func keyArray(deps []KeyNode) []interface{} {
	sorted := make([]KeyNode, len(deps))
	copy(sorted, deps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	arr := make([]interface{}, 0, len(sorted))
	for _, d := range sorted {
		entry := []interface{}{d.Name, d.Version}
		if len(d.Dependencies) > 0 {
			entry = append(entry, keyArray(d.Dependencies))
		}
		arr = append(arr, entry)
	}
	return arr
}

// CacheKey fingerprints a package for one stemcell together with the
// fingerprints of everything it transitively depends on. Unlike the
// dependency key it needs nothing compiled, so it names entries in the
// global package cache.
func CacheKey(fingerprint, stemcellOS, stemcellVersion string, transitiveFingerprints []string) string {
	fps := make([]string, len(transitiveFingerprints))
	copy(fps, transitiveFingerprints)
	sort.Strings(fps)

	h := sha1.New()
	io.WriteString(h, fingerprint)
	io.WriteString(h, stemcellOS)
	io.WriteString(h, stemcellVersion)
	for _, fp := range fps {
		io.WriteString(h, fp)
	}
	return hex.EncodeToString(h.Sum(nil))
}
