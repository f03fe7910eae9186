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

package secrets

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"

	vault "github.com/hashicorp/vault/api"
	"github.com/google/uuid"

	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// Broker seals credential material away from the rest of the engine.
// Records carry refs only; Unseal is restricted to the worker path and
// refs are forgotten after their single use. Neither values nor errors
// may ever contain secret bytes.
type Broker interface {
	Seal(ctx context.Context, scope string, value []byte) (string, error)
	Unseal(ctx context.Context, ref string) ([]byte, error)
	Rotate(ctx context.Context, ref string, value []byte) error
	Forget(ctx context.Context, ref string) error
}

// VaultBroker stores sealed values in a KV v2 mount, one secret per
// ref. The ref is the secret path relative to the mount.
type VaultBroker struct {
	kv *vault.KVv2
}

func NewVaultBroker(client *vault.Client, mount string) *VaultBroker {
	return &VaultBroker{kv: client.KVv2(mount)}
}

// NewVaultClient dials the broker. The token is handed over out of
// band; it never travels through options validation output.
func NewVaultClient(address, token string) (*vault.Client, error) {
	config := vault.DefaultConfig()
	config.Address = address
	client, err := vault.NewClient(config)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "dialing secret broker")
	}
	client.SetToken(token)
	return client, nil
}

func (b *VaultBroker) Seal(ctx context.Context, scope string, value []byte) (string, error) {
	if scope == "" {
		return "", errors.New(errors.KindValidation, "seal requires a scope")
	}
	ref := fmt.Sprintf("%s/%s", scope, uuid.NewString())
	if _, err := b.kv.Put(ctx, ref, payload(value)); err != nil {
		return "", errors.Wrap(err, errors.KindUpstreamUnavailable, "sealing secret in scope %q", scope)
	}
	return ref, nil
}

func (b *VaultBroker) Unseal(ctx context.Context, ref string) ([]byte, error) {
	secret, err := b.kv.Get(ctx, ref)
	if err != nil {
		if stderrors.Is(err, vault.ErrSecretNotFound) {
			return nil, errors.New(errors.KindNotFound, "secret ref %q not found", ref)
		}
		return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "unsealing secret ref %q", ref)
	}
	encoded, ok := secret.Data["value"].(string)
	if !ok {
		return nil, errors.New(errors.KindInternal, "secret ref %q has no sealed value", ref)
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.New(errors.KindInternal, "secret ref %q is corrupt", ref)
	}
	return value, nil
}

func (b *VaultBroker) Rotate(ctx context.Context, ref string, value []byte) error {
	if _, err := b.kv.Put(ctx, ref, payload(value)); err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "rotating secret ref %q", ref)
	}
	return nil
}

func (b *VaultBroker) Forget(ctx context.Context, ref string) error {
	if err := b.kv.DeleteMetadata(ctx, ref); err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "forgetting secret ref %q", ref)
	}
	return nil
}

// LiveCheck verifies the broker answers for health probes.
func (b *VaultBroker) LiveCheck(ctx context.Context) error {
	// Reading a never-written probe path exercises auth and transport;
	// not-found is the healthy answer.
	_, err := b.kv.Get(ctx, "health/probe")
	if err != nil && !stderrors.Is(err, vault.ErrSecretNotFound) {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "checking secret broker")
	}
	return nil
}

func payload(value []byte) map[string]interface{} {
	return map[string]interface{}{
		"value": base64.StdEncoding.EncodeToString(value),
	}
}
