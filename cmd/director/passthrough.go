package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fleetops/director/pkg/agent"
	"github.com/fleetops/director/pkg/blobstore"
)

// passthrough is an agent.Handler whose compiled package is the
// package source. It checks everything a real compile would fetch
// can be fetched, and that checksums match.
type passthrough struct {
	blobs  blobstore.Blobstore
	client *http.Client
	logger log.Logger
}

var _ agent.Handler = &passthrough{}

func (p *passthrough) httpClient() *http.Client {
	if p.client == nil {
		return http.DefaultClient
	}
	return p.client
}

func (p *passthrough) CompilePackage(ctx context.Context, args agent.CompilePackageArgs) (*agent.CompileResult, error) {
	if p.blobs == nil {
		return nil, errors.New("this agent has no blobstore; use signed URLs")
	}
	for name, dep := range args.Dependencies {
		ok, err := p.blobs.Exists(ctx, dep.BlobstoreID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("dependency %s: blob %s not found", name, dep.BlobstoreID)
		}
	}

	rc, err := p.blobs.Get(ctx, args.BlobstoreID)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching source of %s", args.Name)
	}
	defer rc.Close()
	h := sha1.New()
	id, err := p.blobs.Create(ctx, io.TeeReader(rc, h))
	if err != nil {
		return nil, errors.Wrapf(err, "storing %s", args.Name)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if sum != args.SHA1 {
		if err := p.blobs.Delete(ctx, id); err != nil {
			p.logger.Log("err", err, "blob", id)
		}
		return nil, checksumError(args.Name, args.SHA1, sum)
	}
	p.logger.Log("compiled", args.Name, "version", args.Version, "blob", id)
	return result(id, sum), nil
}

func (p *passthrough) CompilePackageWithSignedURL(ctx context.Context, req agent.SignedURLRequest) (*agent.CompileResult, error) {
	for name, dep := range req.Dependencies {
		if err := p.fetch(ctx, dep.PackageGetSignedURL, dep.BlobstoreHeaders, dep.SHA1, io.Discard); err != nil {
			return nil, errors.Wrapf(err, "dependency %s", name)
		}
	}

	tmp, err := os.CreateTemp("", "package-")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if err := p.fetch(ctx, req.PackageGetSignedURL, req.BlobstoreHeaders, req.Digest, tmp); err != nil {
		return nil, errors.Wrapf(err, "fetching source of %s", req.Name)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	put, err := http.NewRequest("PUT", req.UploadSignedURL, tmp)
	if err != nil {
		return nil, err
	}
	for k, v := range req.BlobstoreHeaders {
		put.Header.Set(k, v)
	}
	resp, err := p.httpClient().Do(put.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "uploading %s", req.Name)
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, errors.Errorf("uploading %s: %s", req.Name, resp.Status)
	}
	p.logger.Log("compiled", req.Name, "version", req.Version)
	return result("", req.Digest), nil
}

// fetch GETs url into w, checking the content's sha1.
func (p *passthrough) fetch(ctx context.Context, url string, headers map[string]string, sha string, w io.Writer) error {
	get, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		get.Header.Set(k, v)
	}
	resp, err := p.httpClient().Do(get.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("GET: %s", resp.Status)
	}
	h := sha1.New()
	if _, err := io.Copy(io.MultiWriter(w, h), resp.Body); err != nil {
		return err
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != sha {
		return checksumError("blob", sha, sum)
	}
	return nil
}

func checksumError(what, want, got string) error {
	return errors.Errorf("%s has sha1 %s, expected %s", what, got, want)
}

func result(id, sum string) *agent.CompileResult {
	var r agent.CompileResult
	r.Result.BlobstoreID = id
	r.Result.SHA1 = sum
	return &r
}
