package guid

import (
	"fmt"
	"math/rand"
)

// New returns a random identifier in the usual 8-4-4-4-12 hex layout.
// Blob ids and agent ids use it.
func New() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
