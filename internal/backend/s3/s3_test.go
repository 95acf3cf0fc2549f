package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/retry"
	"github.com/fruitsalade/vfs/pkg/vfs"
	"github.com/fruitsalade/vfs/pkg/vfserr"
)

var modTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// memClient is an in-memory bucket store.
type memClient struct {
	mu       sync.Mutex
	buckets  map[string]map[string][]byte
	failGets int
	gets     int
	ranges   []string
	creds    []string
}

func newMemClient() *memClient {
	return &memClient{buckets: map[string]map[string][]byte{}}
}

func (c *memClient) bucket(name *string) (map[string][]byte, error) {
	b, ok := c.buckets[aws.ToString(name)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}
	return b, nil
}

func (c *memClient) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.bucket(in.Bucket); err != nil {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (c *memClient) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[aws.ToString(in.Bucket)] = map[string][]byte{}
	return &s3.CreateBucketOutput{}, nil
}

func (c *memClient) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	data, ok := b[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data))), LastModified: aws.Time(modTime)}, nil
}

func (c *memClient) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.failGets > 0 {
		c.failGets--
		return nil, &smithy.GenericAPIError{Code: "InternalError", Message: "try again", Fault: smithy.FaultServer}
	}
	b, err := c.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	data, ok := b[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if in.Range != nil {
		c.ranges = append(c.ranges, *in.Range)
		var from, to int
		if _, err := fmt.Sscanf(*in.Range, "bytes=%d-%d", &from, &to); err != nil {
			return nil, err
		}
		data = data[from : to+1]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (c *memClient) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	b[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (c *memClient) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	delete(b, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (c *memClient) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := aws.ToString(in.CopySource)
	bucket, key, _ := strings.Cut(src, "/")
	from, err := c.bucket(aws.String(bucket))
	if err != nil {
		return nil, err
	}
	data, ok := from[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	to, err := c.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	to[aws.ToString(in.Key)] = data
	return &s3.CopyObjectOutput{}, nil
}

func (c *memClient) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)

	var keys []string
	for k := range b {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	seen := map[string]bool{}
	for _, k := range keys {
		rest := k[len(prefix):]
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				p := prefix + rest[:i+len(delim)]
				if !seen[p] {
					seen[p] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(p)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(b[k])))})
	}
	if in.MaxKeys != nil && len(out.Contents) > int(*in.MaxKeys) {
		out.Contents = out.Contents[:*in.MaxKeys]
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents) + len(out.CommonPrefixes)))
	return out, nil
}

func newManager(t *testing.T, client *memClient) *vfs.Manager {
	t.Helper()
	m := vfs.NewManager()
	m.AddProvider(Scheme, &Provider{
		Config: Config{CreateBucket: true},
		Retry:  retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, Multiplier: 1},
		NewClient: func(_ context.Context, cfg Config) (API, error) {
			client.mu.Lock()
			client.creds = append(client.creds, cfg.AccessKey)
			client.mu.Unlock()
			return client, nil
		},
	})
	t.Cleanup(func() { m.Close() })
	return m
}

func resolve(t *testing.T, m *vfs.Manager, uri string) *vfs.File {
	t.Helper()
	f, err := m.Resolve(context.Background(), uri)
	require.NoError(t, err)
	return f
}

func write(t *testing.T, f *vfs.File, content string) {
	t.Helper()
	w, err := f.Create(context.Background())
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func read(t *testing.T, f *vfs.File) string {
	t.Helper()
	rc, err := f.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestWriteListRead(t *testing.T) {
	ctx := context.Background()
	client := newMemClient()
	m := newManager(t, client)

	write(t, resolve(t, m, "s3://media/photos/2024/a.jpg"), "jpeg")
	write(t, resolve(t, m, "s3://media/photos/b.jpg"), "bee")
	write(t, resolve(t, m, "s3://media/readme"), "hi")

	names, err := resolve(t, m, "s3://media/").ChildNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"photos", "readme"}, names)

	names, err = resolve(t, m, "s3://media/photos").ChildNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024", "b.jpg"}, names)

	typ, err := resolve(t, m, "s3://media/photos").Type(ctx)
	require.NoError(t, err)
	assert.Equal(t, name.Folder, typ)

	f := resolve(t, m, "s3://media/photos/b.jpg")
	assert.Equal(t, "bee", read(t, f))
	size, err := f.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, size)
	mt, err := f.ModTime(ctx)
	require.NoError(t, err)
	assert.True(t, mt.Equal(modTime))

	exists, err := resolve(t, m, "s3://media/nothing").Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBucketCreatedOnce(t *testing.T) {
	client := newMemClient()
	m := newManager(t, client)
	resolve(t, m, "s3://fresh/a")
	resolve(t, m, "s3://fresh/b")

	_, ok := client.buckets["fresh"]
	assert.True(t, ok)
	assert.Len(t, client.creds, 1, "one backend per bucket")
}

func TestCredentialsFromURI(t *testing.T) {
	client := newMemClient()
	m := newManager(t, client)
	f := resolve(t, m, "s3://AKID:secret@private/x")
	assert.Equal(t, []string{"AKID"}, client.creds)
	assert.NotContains(t, f.Name().FriendlyURI(), "secret")
}

func TestReadRetriesServerFaults(t *testing.T) {
	client := newMemClient()
	m := newManager(t, client)
	f := resolve(t, m, "s3://media/flaky")
	write(t, f, "eventually")

	client.failGets = 2
	assert.Equal(t, "eventually", read(t, f))
	assert.Equal(t, 3, client.gets)
}

func TestReadMissingObject(t *testing.T) {
	client := newMemClient()
	m := newManager(t, client)
	_, err := resolve(t, m, "s3://media/missing").Open(context.Background())
	assert.True(t, vfserr.Has(err, vfserr.CodeNotFound), "got %v", err)
	assert.Equal(t, 0, client.gets)
}

func TestRandomAccessUsesRanges(t *testing.T) {
	client := newMemClient()
	m := newManager(t, client)
	f := resolve(t, m, "s3://media/digits")
	write(t, f, "0123456789")

	ra, err := f.OpenRandom(context.Background())
	require.NoError(t, err)
	defer ra.Close()

	_, err = ra.Seek(4, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(ra, buf)
	require.NoError(t, err)
	assert.Equal(t, "456", string(buf))

	tail := make([]byte, 8)
	n, err := ra.ReadAt(tail, 6)
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "6789", string(tail[:n]))

	assert.Equal(t, []string{"bytes=4-6", "bytes=6-9"}, client.ranges)
}

func TestRenameAndDelete(t *testing.T) {
	ctx := context.Background()
	client := newMemClient()
	m := newManager(t, client)

	src := resolve(t, m, "s3://media/old.txt")
	write(t, src, "data")
	dst := resolve(t, m, "s3://media/new.txt")
	require.NoError(t, src.Rename(ctx, dst))

	assert.Equal(t, "data", read(t, dst))
	_, ok := client.buckets["media"]["old.txt"]
	assert.False(t, ok)

	dir := resolve(t, m, "s3://media/dir")
	require.NoError(t, dir.MakeDir(ctx))
	_, ok = client.buckets["media"]["dir/"]
	assert.True(t, ok, "folder marker")

	require.NoError(t, dir.Delete(ctx))
	_, ok = client.buckets["media"]["dir/"]
	assert.False(t, ok)
}

func TestCopySourceEscapes(t *testing.T) {
	assert.Equal(t, "b/a%20b/c.txt", copySource("b", "a b/c.txt"))
	assert.Equal(t, "b/plain", copySource("b", "plain"))
}

func TestClassify(t *testing.T) {
	server := &smithy.GenericAPIError{Code: "SlowDown", Fault: smithy.FaultServer}
	client := &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}

	assert.True(t, retry.IsRetryable(classify(server)))
	assert.False(t, retry.IsRetryable(classify(client)))
	assert.False(t, retry.IsRetryable(classify(&types.NoSuchKey{})))
	assert.False(t, retry.IsRetryable(classify(context.Canceled)))
	assert.True(t, retry.IsRetryable(classify(io.ErrUnexpectedEOF)))
	assert.NoError(t, classify(nil))
}
