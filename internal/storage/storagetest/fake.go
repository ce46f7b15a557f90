// Package storagetest provides an in-memory ObjectAPI for tests.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Call records one API call made against the fake.
type Call struct {
	Op         string
	Bucket     string
	Key        string
	PartNumber int32
}

type upload struct {
	key   string
	parts map[int32][]byte
}

// FakeS3 is an in-memory bucket store. Set the Fail* fields to inject errors.
type FakeS3 struct {
	mu sync.Mutex

	objects      map[string][]byte
	contentTypes map[string]string
	uploads      map[string]*upload
	nextUpload   int

	Calls     []Call
	Completed [][]types.CompletedPart
	Aborted   []string

	// FailPart makes UploadPart fail for that part number.
	FailPart int32
	// FailPut makes PutObject fail for keys with the given suffix.
	FailPut map[string]error
	// FailGet makes GetObject fail for keys with the given suffix.
	FailGet map[string]error
	// FailDelete makes every DeleteObject call fail.
	FailDelete error
	// FailAbort makes AbortMultipartUpload fail.
	FailAbort error
}

func New() *FakeS3 {
	return &FakeS3{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
		uploads:      make(map[string]*upload),
		FailPut:      make(map[string]error),
		FailGet:      make(map[string]error),
	}
}

// Put seeds an object.
func (f *FakeS3) Put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
}

// Object returns a stored object and whether it exists.
func (f *FakeS3) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

// ContentType returns the content type an object was stored with.
func (f *FakeS3) ContentType(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contentTypes[key]
}

// Keys lists stored object keys in sorted order.
func (f *FakeS3) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CallCount counts calls of one operation.
func (f *FakeS3) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// OpenUploads returns the number of multipart uploads neither completed nor aborted.
func (f *FakeS3) OpenUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *FakeS3) record(op string, bucket, key *string, part int32) {
	f.Calls = append(f.Calls, Call{Op: op, Bucket: aws.ToString(bucket), Key: aws.ToString(key), PartNumber: part})
}

func matchSuffix(m map[string]error, key string) error {
	for suffix, err := range m {
		if strings.HasSuffix(key, suffix) {
			return err
		}
	}
	return nil
}

func (f *FakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PutObject", in.Bucket, in.Key, 0)

	key := aws.ToString(in.Key)
	if err := matchSuffix(f.FailPut, key); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = data
	f.contentTypes[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{ETag: aws.String(fmt.Sprintf("\"%x\"", len(data)))}, nil
}

func (f *FakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetObject", in.Bucket, in.Key, 0)

	key := aws.ToString(in.Key)
	if err := matchSuffix(f.FailGet, key); err != nil {
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *FakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteObject", in.Bucket, in.Key, 0)

	if f.FailDelete != nil {
		return nil, f.FailDelete
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *FakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateMultipartUpload", in.Bucket, in.Key, 0)

	f.nextUpload++
	id := fmt.Sprintf("upload-%d", f.nextUpload)
	f.uploads[id] = &upload{key: aws.ToString(in.Key), parts: make(map[int32][]byte)}
	f.contentTypes[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *FakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	part := aws.ToInt32(in.PartNumber)
	f.record("UploadPart", in.Bucket, in.Key, part)

	if f.FailPart != 0 && part == f.FailPart {
		return nil, &smithy.GenericAPIError{Code: "InternalError", Message: "We encountered an internal error. Please try again."}
	}
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "The specified upload does not exist."}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	up.parts[part] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("\"etag-%d\"", part))}, nil
}

func (f *FakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CompleteMultipartUpload", in.Bucket, in.Key, 0)

	id := aws.ToString(in.UploadId)
	up, ok := f.uploads[id]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "The specified upload does not exist."}
	}

	var parts []types.CompletedPart
	if in.MultipartUpload != nil {
		parts = in.MultipartUpload.Parts
	}
	var buf bytes.Buffer
	for _, p := range parts {
		data, ok := up.parts[aws.ToInt32(p.PartNumber)]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart", Message: "One or more of the specified parts could not be found."}
		}
		buf.Write(data)
	}

	f.Completed = append(f.Completed, parts)
	f.objects[up.key] = buf.Bytes()
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{Key: in.Key}, nil
}

func (f *FakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AbortMultipartUpload", in.Bucket, in.Key, 0)

	if f.FailAbort != nil {
		return nil, f.FailAbort
	}
	id := aws.ToString(in.UploadId)
	delete(f.uploads, id)
	f.Aborted = append(f.Aborted, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}
