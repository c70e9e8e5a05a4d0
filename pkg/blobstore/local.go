package blobstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/fleetops/director/pkg/guid"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Local keeps blobs as files in a directory. When given a base URL and
// a secret it can also sign URLs, which Handler serves.
type Local struct {
	dir     string
	baseURL string
	secret  []byte
	clock   func() time.Time
}

var _ Blobstore = &Local{}
var _ Signer = &Local{}

type LocalConfig struct {
	Dir string
	// Where Handler is reachable from agents, e.g. http://10.0.0.6:25250
	BaseURL string
	Secret  string
}

func NewLocal(config LocalConfig) (*Local, error) {
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating blobstore directory")
	}
	if config.BaseURL != "" && config.Secret == "" {
		return nil, errors.New("signing URLs needs a secret")
	}
	return &Local{
		dir:     config.Dir,
		baseURL: config.BaseURL,
		secret:  []byte(config.Secret),
		clock:   time.Now,
	}, nil
}

func (l *Local) path(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", errors.Errorf("invalid blob id %q", id)
	}
	return filepath.Join(l.dir, id), nil
}

func (l *Local) Get(_ context.Context, id string) (io.ReadCloser, error) {
	p, err := l.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrBlobNotFound, id)
	}
	return f, err
}

func (l *Local) Create(ctx context.Context, r io.Reader) (string, error) {
	id := guid.New()
	return id, l.CreateWithID(ctx, id, r)
}

// CreateWithID writes to a temporary file first so readers never see
// a partial blob.
func (l *Local) CreateWithID(_ context.Context, id string, r io.Reader) error {
	p, err := l.path(id)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(l.dir, ".upload-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing blob %s", id)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (l *Local) Exists(_ context.Context, id string) (bool, error) {
	p, err := l.path(id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (l *Local) Delete(_ context.Context, id string) error {
	p, err := l.path(id)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (l *Local) CanSignURLs() bool {
	return l.baseURL != ""
}

func (l *Local) SignURL(_ context.Context, id, verb string, ttl time.Duration) (string, error) {
	if !l.CanSignURLs() {
		return "", errors.New("blobstore is not configured to sign URLs")
	}
	if _, err := l.path(id); err != nil {
		return "", err
	}
	expires := strconv.FormatInt(l.clock().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("signature", l.signature(verb, id, expires))
	return fmt.Sprintf("%s/blobs/%s?%s", l.baseURL, url.PathEscape(id), q.Encode()), nil
}

func (l *Local) EncryptionHeaders() map[string]string {
	return nil
}

func (l *Local) signature(verb, id, expires string) string {
	mac := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s", verb, id, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// verify checks a signature minted by SignURL.
func (l *Local) verify(verb, id, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return errors.New("bad expiry")
	}
	if l.clock().Unix() > exp {
		return errors.New("signed URL expired")
	}
	want := l.signature(verb, id, expires)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return errors.New("bad signature")
	}
	return nil
}
