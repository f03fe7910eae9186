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
	"crypto/x509"
	"encoding/pem"
	"strings"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// signCompact builds a compact JWS over payload. HMAC algorithms use
// the sealed bytes directly; asymmetric ones expect a PEM-encoded
// private key. Error messages must never carry key material.
func signCompact(algorithm, keyID string, raw, payload []byte) (string, error) {
	alg := jose.SignatureAlgorithm(strings.ToUpper(algorithm))
	var key interface{}
	if strings.HasPrefix(string(alg), "HS") {
		key = raw
	} else {
		parsed, err := parsePrivateKey(raw)
		if err != nil {
			return "", err
		}
		key = parsed
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: key},
		(&jose.SignerOptions{}).WithHeader("kid", keyID),
	)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "building %s signer", alg)
	}
	object, err := signer.Sign(payload)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "signing payload")
	}
	compact, err := object.CompactSerialize()
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "serializing signature")
	}
	return compact, nil
}

func parsePrivateKey(raw []byte) (interface{}, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New(errors.KindInternal, "license signing key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New(errors.KindInternal, "license signing key has an unsupported encoding")
}
