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

package reports

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-retryablehttp"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// Payload is one rendered report on its way to the external receiver.
type Payload struct {
	Customer string
	Entity   string
	Type     v1.ReportType
	Body     []byte
}

// Sink delivers rendered reports. A returned error means the delivery
// may be retried; the dispatcher owns the retry policy.
type Sink interface {
	Send(ctx context.Context, payload Payload) error
}

// HTTPSink posts payloads to a SIEM-style HTTP receiver. Transport
// level retries stay inside the client; delivery failures surface to
// the dispatcher's retry pipeline.
type HTTPSink struct {
	client   *retryablehttp.Client
	endpoint string
	token    string
}

func NewHTTPSink(endpoint, token string) *HTTPSink {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 2
	return &HTTPSink{
		client:   client,
		endpoint: endpoint,
		token:    token,
	}
}

func (s *HTTPSink) Send(ctx context.Context, payload Payload) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", s.endpoint, bytes.NewReader(payload.Body))
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "building report delivery request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Report-Entity", payload.Entity)
	req.Header.Set("X-Report-Type", string(payload.Type))
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "delivering %s report for %q", payload.Type, payload.Entity)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errors.New(errors.KindUpstreamUnavailable, "report receiver answered %d: %s", resp.StatusCode, fmt.Sprintf("%.128s", string(body)))
	}
	return nil
}
