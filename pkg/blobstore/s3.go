package blobstore

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"

	"github.com/fleetops/director/pkg/guid"
)

const (
	SSEAES256 = "AES256"
	SSEKMS    = "aws:kms"

	headerSSE         = "x-amz-server-side-encryption"
	headerSSEKMSKeyID = "x-amz-server-side-encryption-aws-kms-key-id"
)

type S3Config struct {
	Bucket string
	Region string
	// For S3-compatible stores; also switches to path-style addressing
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// One of "", SSEAES256 or SSEKMS
	ServerSideEncryption string
	SSEKMSKeyID          string
}

// S3 keeps blobs in an S3 bucket, one object per blob.
type S3 struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	config   S3Config
}

var _ Blobstore = &S3{}
var _ Signer = &S3{}

func NewS3(config S3Config) (*S3, error) {
	if config.Bucket == "" {
		return nil, errors.New("S3 blobstore needs a bucket")
	}
	awsConfig := &aws.Config{Region: aws.String(config.Region)}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	if config.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKeyID, config.SecretAccessKey, "")
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *awsConfig,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	client := s3.New(sess)
	return &S3{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		config:   config,
	}, nil
}

func (b *S3) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrap(ErrBlobNotFound, id)
		}
		return nil, errors.Wrapf(err, "fetching blob %s", id)
	}
	return out.Body, nil
}

func (b *S3) Create(ctx context.Context, r io.Reader) (string, error) {
	id := guid.New()
	return id, b.CreateWithID(ctx, id, r)
}

func (b *S3) CreateWithID(ctx context.Context, id string, r io.Reader) error {
	in := &s3manager.UploadInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(id),
		Body:   r,
	}
	if b.config.ServerSideEncryption != "" {
		in.ServerSideEncryption = aws.String(b.config.ServerSideEncryption)
	}
	if b.config.SSEKMSKeyID != "" {
		in.SSEKMSKeyId = aws.String(b.config.SSEKMSKeyID)
	}
	if _, err := b.uploader.UploadWithContext(ctx, in); err != nil {
		return errors.Wrapf(err, "uploading blob %s", id)
	}
	return nil
}

func (b *S3) Exists(ctx context.Context, id string) (bool, error) {
	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(id),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "checking blob %s", id)
}

func (b *S3) Delete(ctx context.Context, id string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(id),
	})
	return errors.Wrapf(err, "deleting blob %s", id)
}

func (b *S3) CanSignURLs() bool {
	return true
}

// SignURL presigns a GET or PUT of the object. Encryption parameters
// are part of a PUT signature, so uploaders must send
// EncryptionHeaders with it.
func (b *S3) SignURL(_ context.Context, id, verb string, ttl time.Duration) (string, error) {
	switch verb {
	case VerbGet:
		req, _ := b.client.GetObjectRequest(&s3.GetObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(id),
		})
		return req.Presign(ttl)
	case VerbPut:
		in := &s3.PutObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(id),
		}
		if b.config.ServerSideEncryption != "" {
			in.ServerSideEncryption = aws.String(b.config.ServerSideEncryption)
		}
		if b.config.SSEKMSKeyID != "" {
			in.SSEKMSKeyId = aws.String(b.config.SSEKMSKeyID)
		}
		req, _ := b.client.PutObjectRequest(in)
		return req.Presign(ttl)
	}
	return "", errors.Errorf("cannot sign %s URLs", verb)
}

func (b *S3) EncryptionHeaders() map[string]string {
	if b.config.ServerSideEncryption == "" {
		return nil
	}
	headers := map[string]string{headerSSE: b.config.ServerSideEncryption}
	if b.config.SSEKMSKeyID != "" {
		headers[headerSSEKMSKeyID] = b.config.SSEKMSKeyID
	}
	return headers
}

func isNotFound(err error) bool {
	if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
