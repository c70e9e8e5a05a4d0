package blobstore

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

const (
	VerbGet = "GET"
	VerbPut = "PUT"
)

var ErrBlobNotFound = errors.New("blob not found")

// Blobstore is content storage addressed by opaque ids.
type Blobstore interface {
	Get(ctx context.Context, id string) (io.ReadCloser, error)
	// Create stores the content under a new id, and returns the id.
	Create(ctx context.Context, r io.Reader) (string, error)
	CreateWithID(ctx context.Context, id string, r io.Reader) error
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// Signer is implemented by blobstores that can hand out time-limited
// URLs, so agents can move blobs without the director in the path.
type Signer interface {
	CanSignURLs() bool
	SignURL(ctx context.Context, id, verb string, ttl time.Duration) (string, error)
	// EncryptionHeaders must accompany uploads to signed PUT URLs. It
	// is empty when blobs aren't encrypted at rest.
	EncryptionHeaders() map[string]string
}

// CanSign reports whether bs can mint signed URLs right now.
func CanSign(bs Blobstore) (Signer, bool) {
	s, ok := bs.(Signer)
	if !ok || !s.CanSignURLs() {
		return nil, false
	}
	return s, true
}
