package compile

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/director/pkg/blobstore"
	"github.com/fleetops/director/pkg/compiledpackage"
)

func signingBlobstore(t *testing.T) *blobstore.Local {
	bs, err := blobstore.NewLocal(blobstore.LocalConfig{
		Dir:     t.TempDir(),
		BaseURL: "http://blobs.example",
		Secret:  "sekrit",
	})
	require.NoError(t, err)
	return bs
}

func TestProtocolChoice(t *testing.T) {
	ctx := context.Background()
	signing := signingBlobstore(t)
	plain, err := blobstore.NewLocal(blobstore.LocalConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	newer := bionic
	newer.APIVersion = 3
	older := bionic
	older.APIVersion = 2

	for _, c := range []struct {
		name   string
		r      *Requirement
		bs     blobstore.Blobstore
		signed bool
	}{
		{"both capable", &Requirement{Package: pkg("a"), Stemcell: newer}, signing, true},
		{"old agent", &Requirement{Package: pkg("a"), Stemcell: older}, signing, false},
		{"blobstore can't sign", &Requirement{Package: pkg("a"), Stemcell: newer}, plain, false},
	} {
		req, err := newCompileRequest(ctx, c.r, c.bs, 0)
		require.NoError(t, err, c.name)
		_, isSigned := req.(signedURLRequest)
		assert.Equal(t, c.signed, isSigned, c.name)
	}
}

func TestDependenciesMustBeCompiled(t *testing.T) {
	a := &Requirement{Package: pkg("a"), Stemcell: bionic}
	b := &Requirement{Package: pkg("b", "a"), Stemcell: bionic, Dependencies: []*Requirement{a}}
	_, err := newCompileRequest(context.Background(), b, signingBlobstore(t), 0)
	assert.Error(t, err)
}

func TestSignedURLCompiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, abc())
	f.blobs = signingBlobstore(t)
	s := bionic
	s.APIVersion = 3

	n, err := f.stage(group("web", s, "web")).Perform(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, f.agent.args, "no blobstore id requests")
	require.Len(t, f.agent.signed, 3)

	for _, req := range f.agent.signed {
		assert.True(t, strings.HasPrefix(req.PackageGetSignedURL, "http://blobs.example/blobs/src-"+req.Name+"?"))
		assert.Equal(t, "sha-src-"+req.Name, req.Digest)
		assert.Equal(t, "1.0", req.Version)
		assert.Empty(t, req.BlobstoreHeaders)

		upload, err := url.Parse(req.UploadSignedURL)
		require.NoError(t, err)
		blobID := strings.TrimPrefix(upload.Path, "/blobs/")

		p, _ := f.catalog.Package("app", req.Name)
		key := "[]"
		if req.Name != "a" {
			key = `[["a","1.0"]]`
			dep := req.Dependencies["a"]
			assert.Equal(t, "1.0.1", dep.Version)
			assert.Empty(t, dep.BlobstoreID)
			assert.Contains(t, dep.PackageGetSignedURL, "http://blobs.example/blobs/")
		}
		cp, err := f.store.Find(ctx, compiledpackage.RefFor(p), s.OS, s.Version, key)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, blobID, cp.BlobstoreID, "compiled blob goes where the director said")
		assert.Equal(t, "sha-compiled-"+req.Name, cp.SHA1)
	}
}
