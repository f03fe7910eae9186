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

package license

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// ManagerAPI is the external license manager's activation contract: a
// signed document in, per-tenant activation items out.
type ManagerAPI interface {
	Init(ctx context.Context, document []byte, signature string) ([]ActivationItem, error)
}

type ActivationItem struct {
	CustomerName     string        `json:"customer_name"`
	TenantLicenseKey string        `json:"tenant_license_key"`
	PrivateKey       ActivationKey `json:"private_key"`
}

// ActivationKey carries the signing key pair material issued with an
// activation. Value is base64 and must only ever reach the secret
// broker.
type ActivationKey struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type initRequest struct {
	Document  string `json:"document"`
	Signature string `json:"signature"`
}

type initResponse struct {
	Items []ActivationItem `json:"items"`
}

type HTTPManager struct {
	client  *retryablehttp.Client
	baseURL string
	product string
}

func NewHTTPManager(baseURL, product string) *HTTPManager {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = nil
	return &HTTPManager{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		product: product,
	}
}

func (m *HTTPManager) Init(ctx context.Context, document []byte, signature string) ([]ActivationItem, error) {
	body, err := json.Marshal(initRequest{
		Document:  base64.StdEncoding.EncodeToString(document),
		Signature: signature,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encoding activation request")
	}
	url := fmt.Sprintf("%s/marketplace/%s/init", m.baseURL, m.product)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "building activation request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "calling license manager")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusPaymentRequired:
		return nil, errors.New(errors.KindForbidden, "license manager rejected the activation")
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.New(errors.KindNotFound, "license manager does not know product %q", m.product)
	default:
		return nil, errors.New(errors.KindUpstreamUnavailable, "license manager answered %d", resp.StatusCode)
	}

	decoded := initResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "decoding license manager response")
	}
	return decoded.Items, nil
}
