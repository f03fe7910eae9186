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

package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/aws/sdk"
	"github.com/ecc-platform/rule-engine/pkg/cloud"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
	"github.com/ecc-platform/rule-engine/pkg/providers/secrets"
)

const (
	// maxEnvelopeTTL caps how long sealed credentials stay usable, no
	// matter what the underlying session allows.
	maxEnvelopeTTL = 2 * time.Hour
	// assumeRoleSeconds is the session duration requested from STS.
	assumeRoleSeconds = 3600
)

// Source records which precedence rung produced the envelope.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceBinding  Source = "binding"
	SourceAmbient  Source = "ambient"
)

// Envelope is the resolved credential bundle a scan consumes. It only
// ever exists in memory or sealed in the broker; Env values are secret
// and must never reach logs or records.
type Envelope struct {
	Cloud     v1.Cloud          `json:"cloud"`
	Source    Source            `json:"source"`
	Env       map[string]string `json:"env"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Request resolves credentials for one admission. Explicit carries
// material injected in the submission; AllowAmbient reflects the
// deployment policy for falling back to the engine's own environment.
type Request struct {
	Customer     string
	Tenant       *v1.Tenant
	Cloud        v1.Cloud
	Explicit     map[string]string
	AllowAmbient bool
}

type Provider interface {
	Resolve(ctx context.Context, req Request) (*Envelope, error)
	Seal(ctx context.Context, customer, tenant string, envelope *Envelope) (string, error)
	Unseal(ctx context.Context, ref string) (*Envelope, error)
	Forget(ctx context.Context, ref string) error

	Bind(ctx context.Context, binding *v1.CredentialsBinding, material map[string]string) error
	GetBinding(ctx context.Context, customer, tenant string) (*v1.CredentialsBinding, error)
	DeleteBinding(ctx context.Context, customer, tenant string) error
}

type DefaultProvider struct {
	sync.Mutex

	stores *records.Stores
	broker secrets.Broker
	stsapi sdk.STSAPI
	prober Prober
	clk    clock.Clock
}

func NewDefaultProvider(stores *records.Stores, broker secrets.Broker, stsapi sdk.STSAPI, prober Prober, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{
		stores: stores,
		broker: broker,
		stsapi: stsapi,
		prober: prober,
		clk:    clk,
	}
}

// Resolve walks the precedence chain: explicit submission material,
// then the tenant's registered binding, then the ambient environment
// when policy permits. Every rung is probed before it wins so a job
// never starts on credentials that cannot authenticate.
func (p *DefaultProvider) Resolve(ctx context.Context, req Request) (*Envelope, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("tenant", req.Tenant.Name, "cloud", req.Cloud)
	capability, err := cloud.For(req.Cloud)
	if err != nil {
		return nil, err
	}

	if len(req.Explicit) > 0 {
		envelope, err := p.fromMaterial(ctx, capability, req.Explicit, SourceExplicit)
		if err != nil {
			resolutionsCounter.WithLabelValues(string(SourceExplicit), metricResultRejected).Inc()
			return nil, err
		}
		resolutionsCounter.WithLabelValues(string(SourceExplicit), metricResultResolved).Inc()
		log.V(1).Info("resolved credentials", "source", SourceExplicit)
		return envelope, nil
	}

	binding, err := p.GetBinding(ctx, req.Customer, req.Tenant.Name)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	if binding != nil {
		envelope, err := p.fromBinding(ctx, capability, binding)
		if err == nil {
			resolutionsCounter.WithLabelValues(string(SourceBinding), metricResultResolved).Inc()
			log.V(1).Info("resolved credentials", "source", SourceBinding)
			return envelope, nil
		}
		resolutionsCounter.WithLabelValues(string(SourceBinding), metricResultRejected).Inc()
		if !binding.AllowAmbient || !req.AllowAmbient {
			return nil, err
		}
		log.V(1).Info("binding failed to resolve, falling back to ambient")
	}

	if req.AllowAmbient && (binding == nil || binding.AllowAmbient) {
		resolutionsCounter.WithLabelValues(string(SourceAmbient), metricResultResolved).Inc()
		log.V(1).Info("resolved credentials", "source", SourceAmbient)
		return &Envelope{
			Cloud:     req.Cloud,
			Source:    SourceAmbient,
			Env:       map[string]string{},
			ExpiresAt: p.clk.Now().UTC().Add(maxEnvelopeTTL),
		}, nil
	}
	return nil, errors.New(errors.KindNoCredentials, "no credentials resolved for tenant %q", req.Tenant.Name).
		WithHint("inject credentials in the submission or register a tenant binding")
}

func (p *DefaultProvider) fromMaterial(ctx context.Context, capability cloud.Capability, material map[string]string, source Source) (*Envelope, error) {
	env, err := capability.EnvVars(material)
	if err != nil {
		return nil, err
	}
	if err := p.prober.Probe(ctx, capability.Cloud(), env); err != nil {
		return nil, errors.Wrap(err, errors.KindNoCredentials, "probing %s credentials", source).
			WithHint("the material is well-formed but failed to authenticate")
	}
	return &Envelope{
		Cloud:     capability.Cloud(),
		Source:    source,
		Env:       env,
		ExpiresAt: p.clk.Now().UTC().Add(maxEnvelopeTTL),
	}, nil
}

func (p *DefaultProvider) fromBinding(ctx context.Context, capability cloud.Capability, binding *v1.CredentialsBinding) (*Envelope, error) {
	switch binding.Kind {
	case v1.CredentialsAssumeRole:
		return p.assumeRole(ctx, capability, binding)
	case v1.CredentialsStatic:
		raw, err := p.broker.Unseal(ctx, binding.SecretRef)
		if err != nil {
			return nil, err
		}
		material := map[string]string{}
		if err := json.Unmarshal(raw, &material); err != nil {
			return nil, errors.New(errors.KindNoCredentials, "sealed binding material for tenant %q is corrupt", binding.Tenant)
		}
		return p.fromMaterial(ctx, capability, material, SourceBinding)
	}
	return nil, errors.New(errors.KindNoCredentials, "binding for tenant %q has unknown kind %q", binding.Tenant, binding.Kind)
}

// assumeRole trades the engine's identity for the tenant's role. The
// envelope TTL follows the shorter of the issued session and the cap.
func (p *DefaultProvider) assumeRole(ctx context.Context, capability cloud.Capability, binding *v1.CredentialsBinding) (*Envelope, error) {
	if capability.Cloud() != v1.CloudAWS {
		return nil, errors.New(errors.KindNoCredentials, "assume-role bindings only apply to aws tenants")
	}
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(binding.RoleARN),
		RoleSessionName: aws.String(fmt.Sprintf("rule-engine-%s", binding.Tenant)),
		DurationSeconds: aws.Int32(assumeRoleSeconds),
	}
	if binding.ExternalID != "" {
		input.ExternalId = aws.String(binding.ExternalID)
	}
	out, err := p.stsapi.AssumeRole(ctx, input)
	if err != nil {
		if errors.IsAWSAccessDenied(err) {
			return nil, errors.New(errors.KindNoCredentials, "role %s refused the engine identity", binding.RoleARN).
				WithHint("check the role's trust policy and external id")
		}
		return nil, errors.Wrap(err, errors.KindNoCredentials, "assuming %s", binding.RoleARN)
	}
	now := p.clk.Now().UTC()
	expires := now.Add(maxEnvelopeTTL)
	if out.Credentials.Expiration != nil && out.Credentials.Expiration.Before(expires) {
		expires = out.Credentials.Expiration.UTC()
	}
	return &Envelope{
		Cloud:  v1.CloudAWS,
		Source: SourceBinding,
		Env: map[string]string{
			"AWS_ACCESS_KEY_ID":     aws.ToString(out.Credentials.AccessKeyId),
			"AWS_SECRET_ACCESS_KEY": aws.ToString(out.Credentials.SecretAccessKey),
			"AWS_SESSION_TOKEN":     aws.ToString(out.Credentials.SessionToken),
		},
		ExpiresAt: expires,
	}, nil
}

// Seal parks the envelope in the broker between admission and the
// worker picking the job up.
func (p *DefaultProvider) Seal(ctx context.Context, customer, tenant string, envelope *Envelope) (string, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "encoding credentials envelope")
	}
	return p.broker.Seal(ctx, fmt.Sprintf("credentials/%s/%s", customer, tenant), data)
}

// Unseal rejects envelopes past their TTL; the worker treats that the
// same as never having had credentials.
func (p *DefaultProvider) Unseal(ctx context.Context, ref string) (*Envelope, error) {
	raw, err := p.broker.Unseal(ctx, ref)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.New(errors.KindNoCredentials, "sealed credentials are gone")
		}
		return nil, err
	}
	envelope := &Envelope{}
	if err := json.Unmarshal(raw, envelope); err != nil {
		return nil, errors.New(errors.KindNoCredentials, "sealed credentials envelope is corrupt")
	}
	if p.clk.Now().After(envelope.ExpiresAt) {
		return nil, errors.New(errors.KindNoCredentials, "sealed credentials expired %s", envelope.ExpiresAt.Format(time.RFC3339))
	}
	return envelope, nil
}

func (p *DefaultProvider) Forget(ctx context.Context, ref string) error {
	return p.broker.Forget(ctx, ref)
}

// Bind registers or replaces the tenant's credentials binding. Static
// material is sealed first so the record never carries secrets.
func (p *DefaultProvider) Bind(ctx context.Context, binding *v1.CredentialsBinding, material map[string]string) error {
	p.Lock()
	defer p.Unlock()
	if binding.Kind == v1.CredentialsStatic && len(material) > 0 {
		data, err := json.Marshal(material)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "encoding binding material")
		}
		ref, err := p.broker.Seal(ctx, fmt.Sprintf("bindings/%s/%s", binding.Customer, binding.Tenant), data)
		if err != nil {
			return err
		}
		binding.SecretRef = ref
	}
	if err := binding.Validate(); err != nil {
		return errors.Wrap(err, errors.KindValidation, "validating binding for tenant %q", binding.Tenant)
	}

	existing := &v1.CredentialsBinding{}
	pk, sk := v1.CredentialsBindingKeys(binding.Customer, binding.Tenant)
	if err := p.stores.Bindings.Get(ctx, pk, sk, existing); err == nil {
		binding.ObjectMeta = existing.ObjectMeta
		if existing.SecretRef != "" && existing.SecretRef != binding.SecretRef {
			if err := p.broker.Forget(ctx, existing.SecretRef); err != nil && !errors.IsNotFound(err) {
				return err
			}
		}
	} else if !errors.IsNotFound(err) {
		return err
	}
	binding.Touch(p.clk.Now().UTC())
	return p.stores.Bindings.Put(ctx, binding)
}

func (p *DefaultProvider) GetBinding(ctx context.Context, customer, tenant string) (*v1.CredentialsBinding, error) {
	binding := &v1.CredentialsBinding{}
	pk, sk := v1.CredentialsBindingKeys(customer, tenant)
	if err := p.stores.Bindings.Get(ctx, pk, sk, binding); err != nil {
		return nil, err
	}
	return binding, nil
}

func (p *DefaultProvider) DeleteBinding(ctx context.Context, customer, tenant string) error {
	binding, err := p.GetBinding(ctx, customer, tenant)
	if err != nil {
		return err
	}
	if binding.SecretRef != "" {
		if err := p.broker.Forget(ctx, binding.SecretRef); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}
	pk, sk := v1.CredentialsBindingKeys(customer, tenant)
	return p.stores.Bindings.Delete(ctx, pk, sk)
}
