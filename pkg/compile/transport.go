package compile

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/fleetops/director/pkg/agent"
	"github.com/fleetops/director/pkg/blobstore"
	"github.com/fleetops/director/pkg/guid"
)

const defaultSignedURLTTL = 15 * time.Minute

// Compiler runs compiles on an agent. *agent.Client is one.
type Compiler interface {
	CompilePackage(ctx context.Context, args agent.CompilePackageArgs) (*agent.CompileResult, error)
	CompilePackageWithSignedURL(ctx context.Context, req agent.SignedURLRequest) (*agent.CompileResult, error)
}

// compiled is where the agent put the compiled package.
type compiled struct {
	blobstoreID string
	sha1        string
}

// compileRequest is one of the two ways of asking an agent to compile.
type compileRequest interface {
	send(ctx context.Context, c Compiler) (compiled, error)
}

// blobstoreIDRequest has the agent fetch and upload blobs itself.
type blobstoreIDRequest struct {
	args agent.CompilePackageArgs
}

func (b blobstoreIDRequest) send(ctx context.Context, c Compiler) (compiled, error) {
	result, err := c.CompilePackage(ctx, b.args)
	if err != nil {
		return compiled{}, err
	}
	return compiled{blobstoreID: result.Result.BlobstoreID, sha1: result.Result.SHA1}, nil
}

// signedURLRequest moves blobs through URLs signed by the director;
// the compiled blob goes to an id chosen up front.
type signedURLRequest struct {
	req    agent.SignedURLRequest
	blobID string
}

func (s signedURLRequest) send(ctx context.Context, c Compiler) (compiled, error) {
	result, err := c.CompilePackageWithSignedURL(ctx, s.req)
	if err != nil {
		return compiled{}, err
	}
	return compiled{blobstoreID: s.blobID, sha1: result.Result.SHA1}, nil
}

// newCompileRequest picks the signed URL protocol when both the
// stemcell's agent and the blobstore support it.
func newCompileRequest(ctx context.Context, r *Requirement, bs blobstore.Blobstore, ttl time.Duration) (compileRequest, error) {
	if ttl <= 0 {
		ttl = defaultSignedURLTTL
	}
	signer, ok := blobstore.CanSign(bs)
	if !ok || !r.Stemcell.SupportsSignedURLs() {
		deps, err := dependencySpecs(ctx, r, nil, ttl)
		if err != nil {
			return nil, err
		}
		return blobstoreIDRequest{args: agent.CompilePackageArgs{
			BlobstoreID:  r.Package.BlobstoreID,
			SHA1:         r.Package.SHA1,
			Name:         r.Package.Name,
			Version:      r.Package.Version,
			Dependencies: deps,
		}}, nil
	}

	deps, err := dependencySpecs(ctx, r, signer, ttl)
	if err != nil {
		return nil, err
	}
	get, err := signer.SignURL(ctx, r.Package.BlobstoreID, blobstore.VerbGet, ttl)
	if err != nil {
		return nil, errors.Wrapf(err, "signing source of %s", r.Package.Desc())
	}
	blobID := guid.New()
	put, err := signer.SignURL(ctx, blobID, blobstore.VerbPut, ttl)
	if err != nil {
		return nil, errors.Wrapf(err, "signing upload of %s", r.Package.Desc())
	}
	return signedURLRequest{
		blobID: blobID,
		req: agent.SignedURLRequest{
			PackageGetSignedURL: get,
			UploadSignedURL:     put,
			Digest:              r.Package.SHA1,
			Name:                r.Package.Name,
			Version:             r.Package.Version,
			Dependencies:        deps,
			BlobstoreHeaders:    signer.EncryptionHeaders(),
		},
	}, nil
}

// dependencySpecs describes the compiled immediate dependencies of r,
// by blobstore id or, given a signer, by signed URL.
func dependencySpecs(ctx context.Context, r *Requirement, signer blobstore.Signer, ttl time.Duration) (map[string]agent.DependencySpec, error) {
	specs := map[string]agent.DependencySpec{}
	for _, d := range r.Dependencies {
		cp := d.Compiled()
		if cp == nil {
			return nil, errors.Errorf("dependency %s is not compiled", d)
		}
		spec := agent.DependencySpec{
			Name:    cp.Package.Name,
			Version: cp.Version(),
			SHA1:    cp.SHA1,
		}
		if signer == nil {
			spec.BlobstoreID = cp.BlobstoreID
		} else {
			url, err := signer.SignURL(ctx, cp.BlobstoreID, blobstore.VerbGet, ttl)
			if err != nil {
				return nil, errors.Wrapf(err, "signing compiled %s", cp.Package.Name)
			}
			spec.PackageGetSignedURL = url
			spec.BlobstoreHeaders = signer.EncryptionHeaders()
		}
		specs[cp.Package.Name] = spec
	}
	return specs, nil
}
