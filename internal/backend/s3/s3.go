// Package s3 serves S3 compatible object stores under the "s3" scheme:
// s3://[access:secret@]bucket/key. Folders are key prefixes ending in "/".
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/retry"
	"github.com/fruitsalade/vfs/pkg/vfs"
)

// Scheme is the URI scheme served by this package.
const Scheme = "s3"

var capabilities = vfs.NewCapabilities(
	vfs.CapReadContent,
	vfs.CapWriteContent,
	vfs.CapRandomAccessRead,
	vfs.CapListChildren,
	vfs.CapRename,
	vfs.CapDelete,
	vfs.CapCreate,
	vfs.CapGetLastModified,
	vfs.CapGetType,
)

// API is the subset of the S3 client used by the backend.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config configures the connection to the object store.
type Config struct {
	Endpoint     string `json:"endpoint"`
	Region       string `json:"region"`
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	CreateBucket bool   `json:"create_bucket"`
}

// Provider mounts one bucket per root. Credentials in the URI take
// precedence over the configured keys.
type Provider struct {
	Config Config
	Retry  retry.Config
	Logger *zap.Logger

	// NewClient overrides client construction.
	NewClient func(ctx context.Context, cfg Config) (API, error)
}

func (p *Provider) Parser(name.URIParser) name.Parser { return name.HostParser{} }

func (p *Provider) NewBackend(ctx context.Context, root *name.Name, _ *vfs.File) (vfs.Backend, error) {
	hr, ok := root.Root().(*name.HostRoot)
	if !ok || hr.HostName() == "" {
		return nil, fmt.Errorf("%s: no bucket", root.FriendlyURI())
	}

	cfg := p.Config
	if hr.UserName() != "" {
		cfg.AccessKey, cfg.SecretKey = hr.UserName(), hr.Password()
	}
	newClient := p.NewClient
	if newClient == nil {
		newClient = NewClient
	}
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rc := p.Retry
	if rc.MaxAttempts == 0 {
		rc = retry.DefaultConfig()
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{root: root, client: client, bucket: hr.HostName(), retry: rc, logger: logger}
	if cfg.CreateBucket {
		if err := b.ensureBucket(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// NewClient builds a path style client for cfg.Endpoint, or for AWS when
// the endpoint is empty.
func NewClient(ctx context.Context, cfg Config) (API, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	}), nil
}

// Backend is one bucket.
type Backend struct {
	root   *name.Name
	client API
	bucket string
	retry  retry.Config
	logger *zap.Logger
}

func (b *Backend) Root() *name.Name               { return b.root }
func (b *Backend) Capabilities() vfs.Capabilities { return capabilities }
func (b *Backend) Close() error                   { return nil }

func (b *Backend) ensureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	if _, err := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, err)
	}
	return nil
}

func (b *Backend) Materialize(_ context.Context, n *name.Name) (vfs.Object, error) {
	return &object{b: b, name: n, key: objectKey(n)}, nil
}

// objectKey maps /a/b to a/b. The root maps to "".
func objectKey(n *name.Name) string {
	return strings.TrimPrefix(n.Path(), "/")
}

// folderPrefix is the listing prefix for the folder at key.
func folderPrefix(key string) string {
	if key == "" {
		return ""
	}
	return key + "/"
}

// isNotFound reports whether err means the key does not exist.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// classify marks server faults and transport failures as retryable.
func classify(err error) error {
	if err == nil || isNotFound(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() != smithy.FaultServer {
		return err
	}
	return retry.Retryable(err)
}

func (b *Backend) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	cfg := b.retry
	cfg.OnRetry = func(attempt int, err error) {
		b.logger.Debug("s3 retry", zap.String("op", op), zap.String("bucket", b.bucket),
			zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
	}
	return retry.Do(ctx, cfg, func(ctx context.Context) error { return classify(fn(ctx)) })
}

type object struct {
	b    *Backend
	name *name.Name
	key  string
}

func (o *object) Stat(ctx context.Context) (vfs.Stat, error) {
	if o.key == "" {
		return vfs.Stat{Type: name.Folder}, nil
	}

	var head *s3.HeadObjectOutput
	err := o.b.do(ctx, "head", o.key, func(ctx context.Context) error {
		var err error
		head, err = o.b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(o.b.bucket),
			Key:    aws.String(o.key),
		})
		return err
	})
	switch {
	case err == nil:
		st := vfs.Stat{Type: name.File, Size: aws.ToInt64(head.ContentLength)}
		if head.LastModified != nil {
			st.ModTime = *head.LastModified
		}
		return st, nil
	case !isNotFound(err):
		return vfs.Stat{}, fmt.Errorf("head %s/%s: %w", o.b.bucket, o.key, err)
	}

	// no object at the key: it is a folder if anything lives below it
	var out *s3.ListObjectsV2Output
	err = o.b.do(ctx, "list", o.key, func(ctx context.Context) error {
		var err error
		out, err = o.b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(o.b.bucket),
			Prefix:  aws.String(folderPrefix(o.key)),
			MaxKeys: aws.Int32(1),
		})
		return err
	})
	if err != nil {
		return vfs.Stat{}, fmt.Errorf("list %s/%s: %w", o.b.bucket, o.key, err)
	}
	if len(out.Contents) > 0 || len(out.CommonPrefixes) > 0 {
		return vfs.Stat{Type: name.Folder}, nil
	}
	return vfs.Stat{Type: name.Imaginary}, nil
}

func (o *object) List(ctx context.Context) ([]string, error) {
	prefix := folderPrefix(o.key)
	seen := map[string]bool{}
	var names []string
	add := func(s string) {
		base := strings.TrimSuffix(strings.TrimPrefix(s, prefix), "/")
		if base == "" || seen[base] {
			return
		}
		seen[base] = true
		names = append(names, base)
	}

	pages := s3.NewListObjectsV2Paginator(o.b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(o.b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for pages.HasMorePages() {
		var out *s3.ListObjectsV2Output
		err := o.b.do(ctx, "list", prefix, func(ctx context.Context) error {
			var err error
			out, err = pages.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", o.b.bucket, prefix, err)
		}
		for _, p := range out.CommonPrefixes {
			add(aws.ToString(p.Prefix))
		}
		for _, c := range out.Contents {
			add(aws.ToString(c.Key))
		}
	}
	return names, nil
}

func (o *object) get(ctx context.Context, rng string) (*s3.GetObjectOutput, error) {
	in := &s3.GetObjectInput{Bucket: aws.String(o.b.bucket), Key: aws.String(o.key)}
	if rng != "" {
		in.Range = aws.String(rng)
	}
	var out *s3.GetObjectOutput
	err := o.b.do(ctx, "get", o.key, func(ctx context.Context) error {
		var err error
		out, err = o.b.client.GetObject(ctx, in)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", o.b.bucket, o.key, err)
	}
	return out, nil
}

func (o *object) Open(ctx context.Context) (io.ReadCloser, error) {
	out, err := o.get(ctx, "")
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// rangeReader serves ReadAt with ranged GETs.
type rangeReader struct {
	ctx  context.Context
	o    *object
	size int64
}

func (r *rangeReader) Size() int64  { return r.size }
func (r *rangeReader) Close() error { return nil }

func (r *rangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read %s at %d: negative offset", r.o.key, off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > r.size {
		want = r.size - off
	}
	if want == 0 {
		return 0, nil
	}
	out, err := r.o.get(r.ctx, fmt.Sprintf("bytes=%d-%d", off, off+want-1))
	if err != nil {
		return 0, err
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, p[:want])
	if err != nil {
		return n, err
	}
	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

func (o *object) OpenReaderAt(ctx context.Context) (vfs.ReaderAt, error) {
	st, err := o.Stat(ctx)
	if err != nil {
		return nil, err
	}
	if st.Type != name.File {
		return nil, fmt.Errorf("%s/%s is not an object", o.b.bucket, o.key)
	}
	return &rangeReader{ctx: ctx, o: o, size: st.Size}, nil
}

// uploader buffers the content and uploads it on Close.
type uploader struct {
	ctx context.Context
	o   *object
	buf bytes.Buffer
}

func (u *uploader) Write(p []byte) (int, error) { return u.buf.Write(p) }

func (u *uploader) Close() error {
	data := u.buf.Bytes()
	return u.o.put(u.ctx, u.o.key, data)
}

func (o *object) put(ctx context.Context, key string, data []byte) error {
	err := o.b.do(ctx, "put", key, func(ctx context.Context) error {
		_, err := o.b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(o.b.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", o.b.bucket, key, err)
	}
	return nil
}

func (o *object) Create(ctx context.Context) (io.WriteCloser, error) {
	if o.key == "" {
		return nil, fmt.Errorf("create %s: bucket root", o.b.bucket)
	}
	return &uploader{ctx: ctx, o: o}, nil
}

// MakeDir writes an empty folder marker object.
func (o *object) MakeDir(ctx context.Context) error {
	if o.key == "" {
		return nil
	}
	return o.put(ctx, folderPrefix(o.key), nil)
}

func (o *object) Delete(ctx context.Context) error {
	keys := []string{o.key}
	if st, err := o.Stat(ctx); err == nil && st.Type == name.Folder {
		children, err := o.List(ctx)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return fmt.Errorf("delete %s/%s: folder not empty", o.b.bucket, o.key)
		}
		keys = []string{folderPrefix(o.key)}
	}
	for _, key := range keys {
		err := o.b.do(ctx, "delete", key, func(ctx context.Context) error {
			_, err := o.b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(o.b.bucket),
				Key:    aws.String(key),
			})
			if isNotFound(err) {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("delete object %s/%s: %w", o.b.bucket, key, err)
		}
	}
	return nil
}

// Rename copies the object and deletes the source. Only single objects
// can be renamed.
func (o *object) Rename(ctx context.Context, to *name.Name) error {
	dst := objectKey(to)
	if dst == "" || o.key == "" {
		return fmt.Errorf("rename %s/%s: bucket root", o.b.bucket, o.key)
	}
	err := o.b.do(ctx, "copy", o.key, func(ctx context.Context) error {
		_, err := o.b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(o.b.bucket),
			CopySource: aws.String(copySource(o.b.bucket, o.key)),
			Key:        aws.String(dst),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", o.key, dst, err)
	}
	return o.Delete(ctx)
}

// copySource is the URL encoded bucket/key pair CopyObject expects.
func copySource(bucket, key string) string {
	return url.PathEscape(bucket) + "/" + (&url.URL{Path: key}).EscapedPath()
}
