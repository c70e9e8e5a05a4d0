package blobstore

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T, baseURL string) *Local {
	l, err := NewLocal(LocalConfig{Dir: t.TempDir(), BaseURL: baseURL, Secret: "sekrit"})
	require.NoError(t, err)
	return l
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t, "")

	id, err := l.Create(ctx, strings.NewReader("package bits"))
	require.NoError(t, err)

	ok, err := l.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := l.Get(ctx, id)
	require.NoError(t, err)
	content, err := ioutil.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "package bits", string(content))

	require.NoError(t, l.Delete(ctx, id))
	ok, err = l.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.Get(ctx, id)
	assert.Equal(t, ErrBlobNotFound, errors.Cause(err))
	assert.NoError(t, l.Delete(ctx, id), "deleting twice is fine")
}

func TestLocalRejectsPathTraversal(t *testing.T) {
	l := newLocal(t, "")
	_, err := l.Get(context.Background(), "../etc/passwd")
	assert.Error(t, err)
	assert.Error(t, l.CreateWithID(context.Background(), "a/b", strings.NewReader("")))
}

func TestLocalSigningNeedsBaseURL(t *testing.T) {
	l := newLocal(t, "")
	assert.False(t, l.CanSignURLs())
	_, ok := CanSign(l)
	assert.False(t, ok)
	_, err := l.SignURL(context.Background(), "id", VerbGet, time.Minute)
	assert.Error(t, err)

	_, err = NewLocal(LocalConfig{Dir: t.TempDir(), BaseURL: "http://x"})
	assert.Error(t, err, "base URL without a secret")
}

func TestSignedURLsThroughHandler(t *testing.T) {
	ctx := context.Background()
	var l *Local
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Handler(l, log.NewNopLogger()).ServeHTTP(w, r)
	}))
	defer srv.Close()
	l = newLocal(t, srv.URL)
	signer, ok := CanSign(l)
	require.True(t, ok)
	assert.Empty(t, signer.EncryptionHeaders())

	putURL, err := signer.SignURL(ctx, "compiled-1", VerbPut, time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest("PUT", putURL, strings.NewReader("compiled bits"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	getURL, err := signer.SignURL(ctx, "compiled-1", VerbGet, time.Minute)
	require.NoError(t, err)
	resp, err = http.Get(getURL)
	require.NoError(t, err)
	body, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "compiled bits", string(body))

	// a GET signature doesn't authorise a PUT
	u, _ := url.Parse(getURL)
	req, _ = http.NewRequest("PUT", u.String(), strings.NewReader("overwrite"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSignedURLExpires(t *testing.T) {
	l := newLocal(t, "http://blobs")
	now := time.Unix(1000, 0)
	l.clock = func() time.Time { return now }
	signed, err := l.SignURL(context.Background(), "b", VerbGet, time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)
	q := u.Query()
	assert.NoError(t, l.verify(VerbGet, "b", q.Get("expires"), q.Get("signature")))

	now = now.Add(2 * time.Minute)
	assert.Error(t, l.verify(VerbGet, "b", q.Get("expires"), q.Get("signature")))
}

// fakeS3 is just enough of the S3 REST API, path-style, for one bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
}

func (f *fakeS3) handler() http.Handler {
	r := mux.NewRouter()
	r.Path("/{bucket}/{key}").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		key := mux.Vars(req)["key"]
		switch req.Method {
		case "PUT":
			body, _ := ioutil.ReadAll(req.Body)
			f.objects[key] = body
			f.headers[key] = req.Header.Clone()
			w.Header().Set("ETag", `"etag"`)
		case "GET", "HEAD":
			body, ok := f.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				if req.Method == "GET" {
					w.Write([]byte(`<Error><Code>NoSuchKey</Code></Error>`))
				}
				return
			}
			if req.Method == "GET" {
				w.Write(body)
			}
		case "DELETE":
			delete(f.objects, key)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	return r
}

func newS3(t *testing.T, sse string) (*S3, *fakeS3) {
	fake := &fakeS3{objects: map[string][]byte{}, headers: map[string]http.Header{}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	b, err := NewS3(S3Config{
		Bucket:               "blobs",
		Region:               "us-east-1",
		Endpoint:             srv.URL,
		AccessKeyID:          "AKID",
		SecretAccessKey:      "SECRET",
		ServerSideEncryption: sse,
	})
	require.NoError(t, err)
	return b, fake
}

func TestS3RoundTrip(t *testing.T) {
	ctx := context.Background()
	b, fake := newS3(t, SSEAES256)

	id, err := b.Create(ctx, bytes.NewBufferString("source"))
	require.NoError(t, err)
	assert.Equal(t, "source", string(fake.objects[id]))
	assert.Equal(t, SSEAES256, fake.headers[id].Get(headerSSE))

	ok, err := b.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := b.Get(ctx, id)
	require.NoError(t, err)
	content, _ := ioutil.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "source", string(content))

	require.NoError(t, b.Delete(ctx, id))
	ok, err = b.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Get(ctx, id)
	assert.Equal(t, ErrBlobNotFound, errors.Cause(err))
}

func TestS3SignsURLs(t *testing.T) {
	b, _ := newS3(t, SSEKMS)
	b.config.SSEKMSKeyID = "key-1"
	signer, ok := CanSign(b)
	require.True(t, ok)

	get, err := signer.SignURL(context.Background(), "blob-1", VerbGet, 15*time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(get)
	require.NoError(t, err)
	assert.Equal(t, "/blobs/blob-1", u.Path)
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))

	put, err := signer.SignURL(context.Background(), "blob-2", VerbPut, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, put, "/blobs/blob-2")
	assert.Contains(t, strings.ToLower(put), "x-amz-server-side-encryption")

	assert.Equal(t, map[string]string{
		headerSSE:         SSEKMS,
		headerSSEKMSKeyID: "key-1",
	}, signer.EncryptionHeaders())

	_, err = signer.SignURL(context.Background(), "blob-1", "DELETE", time.Minute)
	assert.Error(t, err)
}

func TestS3NoEncryptionHeadersByDefault(t *testing.T) {
	b, _ := newS3(t, "")
	assert.Nil(t, b.EncryptionHeaders())
}
