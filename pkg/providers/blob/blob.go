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

package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ecc-platform/rule-engine/pkg/aws/sdk"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// ErrPresignUnsupported tells callers to fall back to streaming the
// object through the gateway.
var ErrPresignUnsupported = fmt.Errorf("presigned urls not supported by this blob store")

// Provider is the versioned object store behind rulesets, raw results,
// statistics and reports. Writes are atomic and read-your-writes for
// the same key.
type Provider interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

type DefaultProvider struct {
	s3api     sdk.S3API
	presigner sdk.S3PresignAPI
	bucket    string
}

func NewDefaultProvider(s3api sdk.S3API, presigner sdk.S3PresignAPI, bucket string) *DefaultProvider {
	return &DefaultProvider{
		s3api:     s3api,
		presigner: presigner,
		bucket:    bucket,
	}
}

func (p *DefaultProvider) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := p.s3api.PutObject(ctx, input); err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "putting object %q", key)
	}
	return nil
}

func (p *DefaultProvider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := p.s3api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if errors.IsAWSNotFound(err) {
			return nil, errors.Wrap(err, errors.KindNotFound, "object %q not found", key)
		}
		return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "getting object %q", key)
	}
	return out.Body, nil
}

func (p *DefaultProvider) Delete(ctx context.Context, key string) error {
	if _, err := p.s3api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "deleting object %q", key)
	}
	return nil
}

func (p *DefaultProvider) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if p.presigner == nil {
		return "", ErrPresignUnsupported
	}
	req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", errors.Wrap(err, errors.KindUpstreamUnavailable, "presigning object %q", key)
	}
	return req.URL, nil
}

func (p *DefaultProvider) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var continuation *string
	for {
		out, err := p.s3api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "listing prefix %q", prefix)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		continuation = out.NextContinuationToken
	}
}

// LiveCheck pings the bucket for health probes.
func (p *DefaultProvider) LiveCheck(ctx context.Context) error {
	if _, err := p.s3api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)}); err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "checking bucket %q", p.bucket)
	}
	return nil
}
