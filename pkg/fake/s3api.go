/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
)

func s3Object(key string, size int64) s3types.Object {
	return s3types.Object{Key: lo.ToPtr(key), Size: lo.ToPtr(size)}
}

// S3Behavior must be reset between tests otherwise tests will pollute
// each other.
type S3Behavior struct {
	PutObjectBehavior     MockedFunction[s3.PutObjectInput, s3.PutObjectOutput]
	GetObjectBehavior     MockedFunction[s3.GetObjectInput, s3.GetObjectOutput]
	DeleteObjectBehavior  MockedFunction[s3.DeleteObjectInput, s3.DeleteObjectOutput]
	ListObjectsV2Behavior MockedFunction[s3.ListObjectsV2Input, s3.ListObjectsV2Output]
	HeadBucketBehavior    MockedFunction[s3.HeadBucketInput, s3.HeadBucketOutput]
}

// S3API is an in-memory object store behind the narrow S3 surface the
// blob provider uses. Default behaviors operate on the stored objects;
// tests can override any call through its Behavior.
type S3API struct {
	S3Behavior

	mu      sync.RWMutex
	objects map[string][]byte
}

func NewS3API() *S3API {
	return &S3API{objects: map[string][]byte{}}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (a *S3API) Reset() {
	a.PutObjectBehavior.Reset()
	a.GetObjectBehavior.Reset()
	a.DeleteObjectBehavior.Reset()
	a.ListObjectsV2Behavior.Reset()
	a.HeadBucketBehavior.Reset()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects = map[string][]byte{}
}

func (a *S3API) objectKey(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

func (a *S3API) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var body []byte
	if input.Body != nil {
		var err error
		body, err = io.ReadAll(input.Body)
		if err != nil {
			return nil, err
		}
		input.Body = bytes.NewReader(body)
	}
	return a.PutObjectBehavior.Invoke(&s3.PutObjectInput{Bucket: input.Bucket, Key: input.Key}, func(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.objects[a.objectKey(in.Bucket, in.Key)] = body
		return &s3.PutObjectOutput{}, nil
	})
}

func (a *S3API) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return a.GetObjectBehavior.Invoke(input, func(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		a.mu.RLock()
		defer a.mu.RUnlock()
		body, ok := a.objects[a.objectKey(in.Bucket, in.Key)]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "the specified key does not exist"}
		}
		return &s3.GetObjectOutput{
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: lo.ToPtr(int64(len(body))),
		}, nil
	})
}

func (a *S3API) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return a.DeleteObjectBehavior.Invoke(input, func(in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.objects, a.objectKey(in.Bucket, in.Key))
		return &s3.DeleteObjectOutput{}, nil
	})
}

func (a *S3API) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return a.ListObjectsV2Behavior.Invoke(input, func(in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
		a.mu.RLock()
		defer a.mu.RUnlock()
		prefix := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Prefix)
		var keys []string
		for key := range a.objects {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, strings.TrimPrefix(key, aws.ToString(in.Bucket)+"/"))
			}
		}
		sort.Strings(keys)
		out := &s3.ListObjectsV2Output{IsTruncated: lo.ToPtr(false), KeyCount: lo.ToPtr(int32(len(keys)))}
		for _, key := range keys {
			out.Contents = append(out.Contents, s3Object(key, int64(len(a.objects[aws.ToString(in.Bucket)+"/"+key]))))
		}
		return out, nil
	})
}

func (a *S3API) HeadBucket(_ context.Context, input *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return a.HeadBucketBehavior.Invoke(input, func(_ *s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
		return &s3.HeadBucketOutput{}, nil
	})
}

// Object returns the stored body for bucket/key, if any.
func (a *S3API) Object(bucket, key string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	body, ok := a.objects[bucket+"/"+key]
	return body, ok
}

// ObjectCount reports how many objects the bucket holds.
func (a *S3API) ObjectCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.objects)
}

// S3PresignAPI hands out deterministic URLs.
type S3PresignAPI struct {
	NextError AtomicError
}

func (a *S3PresignAPI) Reset() {
	a.NextError.Reset()
}

func (a *S3PresignAPI) PresignGetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if err := a.NextError.Get(); err != nil {
		return nil, err
	}
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://%s.s3.amazonaws.com/%s?signed", aws.ToString(input.Bucket), aws.ToString(input.Key)),
		Method: "GET",
	}, nil
}
