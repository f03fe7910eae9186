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
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/providers/records"
	"github.com/ecc-platform/rule-engine/pkg/providers/secrets"
)

const (
	// usageRetryLimit bounds optimistic retries on the usage counter.
	usageRetryLimit = 10
)

type Provider interface {
	Create(ctx context.Context, license *v1.License) error
	Get(ctx context.Context, customer, licenseKey string) (*v1.License, error)
	List(ctx context.Context, customer string) ([]*v1.License, error)

	Activate(ctx context.Context, customer, tenant, licenseKey string) (*v1.License, error)
	CheckQuota(ctx context.Context, customer, licenseKey, tenant string) (bool, int, error)
	Reserve(ctx context.Context, customer, licenseKey, tenant, jobID string, ttl time.Duration) error
	Commit(ctx context.Context, licenseKey, jobID string) error
	Refund(ctx context.Context, licenseKey, jobID string) error
	Sign(ctx context.Context, customer, licenseKey string, payload []byte) (string, error)
}

type DefaultProvider struct {
	sync.Mutex

	stores  *records.Stores
	broker  secrets.Broker
	manager ManagerAPI
	// systemKey is the runtime identity that signs activation
	// documents before a license has its own key pair.
	systemKey []byte
	clk       clock.Clock
}

func NewDefaultProvider(stores *records.Stores, broker secrets.Broker, manager ManagerAPI, systemKey []byte, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{
		stores:    stores,
		broker:    broker,
		manager:   manager,
		systemKey: systemKey,
		clk:       clk,
	}
}

func (p *DefaultProvider) Create(ctx context.Context, license *v1.License) error {
	if license.LicenseKey == "" {
		return errors.New(errors.KindValidation, "license key is required")
	}
	if !license.ValidUntil.IsZero() && license.ValidUntil.Before(license.ValidFrom) {
		return errors.New(errors.KindValidation, "license validity window ends before it starts")
	}
	license.Touch(p.clk.Now().UTC())
	return p.stores.Licenses.Put(ctx, license)
}

func (p *DefaultProvider) Get(ctx context.Context, customer, licenseKey string) (*v1.License, error) {
	license := &v1.License{}
	pk, sk := v1.LicenseKeys(customer, licenseKey)
	if err := p.stores.Licenses.Get(ctx, pk, sk, license); err != nil {
		return nil, err
	}
	return license, nil
}

func (p *DefaultProvider) List(ctx context.Context, customer string) ([]*v1.License, error) {
	return records.ScanAll(ctx, p.stores.Licenses, customer, "license/")
}

// Activate binds a tenant to the license through the external license
// manager and installs the signing key pair the manager issues. The
// key material goes straight into the secret broker; the record only
// ever sees the ref.
func (p *DefaultProvider) Activate(ctx context.Context, customer, tenant, licenseKey string) (*v1.License, error) {
	p.Lock()
	defer p.Unlock()

	license, err := p.Get(ctx, customer, licenseKey)
	if err != nil {
		return nil, err
	}
	now := p.clk.Now().UTC()
	if license.Expired(now) {
		return nil, errors.New(errors.KindLicenseExpired, "license expired %s", license.ValidUntil.Format(time.RFC3339))
	}
	if license.ActivatedFor(tenant) {
		return license, nil
	}

	document, err := json.Marshal(map[string]string{
		"customer":     customer,
		"tenant":       tenant,
		"license_key":  licenseKey,
		"requested_at": now.Format(time.RFC3339),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encoding activation document")
	}
	items, err := p.manager.Init(ctx, document, p.signDocument(document))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.New(errors.KindUpstreamUnavailable, "license manager returned no activation items")
	}

	item := items[0]
	if item.PrivateKey.Value != "" {
		raw, err := base64.StdEncoding.DecodeString(item.PrivateKey.Value)
		if err != nil {
			return nil, errors.New(errors.KindUpstreamUnavailable, "activation key material is not valid base64")
		}
		ref, err := p.broker.Seal(ctx, "licenses/"+customer, raw)
		if err != nil {
			return nil, err
		}
		license.PrivateKeyRef = ref
		license.KeyID = item.PrivateKey.KeyID
		license.Algorithm = item.PrivateKey.Algorithm
	}
	license.Activations = append(license.Activations, tenant)
	if license.TenantKeys == nil {
		license.TenantKeys = map[string]string{}
	}
	license.TenantKeys[tenant] = item.TenantLicenseKey
	license.Touch(now)
	if err := p.stores.Licenses.Put(ctx, license); err != nil {
		return nil, err
	}
	activationsCounter.WithLabelValues(customer).Inc()
	logr.FromContextOrDiscard(ctx).Info("activated license", "customer", customer, "tenant", tenant)
	return license, nil
}

func (p *DefaultProvider) signDocument(document []byte) string {
	mac := hmac.New(sha256.New, p.systemKey)
	mac.Write(document)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// CheckQuota reports whether the license can admit one more job this
// period and how many units remain. Unmetered licenses report -1
// remaining.
func (p *DefaultProvider) CheckQuota(ctx context.Context, customer, licenseKey, tenant string) (bool, int, error) {
	license, err := p.Get(ctx, customer, licenseKey)
	if err != nil {
		return false, 0, err
	}
	now := p.clk.Now().UTC()
	if license.Expired(now) {
		return false, 0, errors.New(errors.KindLicenseExpired, "license expired %s", license.ValidUntil.Format(time.RFC3339))
	}
	if !license.ActivatedFor(tenant) {
		return false, 0, errors.New(errors.KindForbidden, "license is not activated for tenant %q", tenant)
	}
	if license.JobQuota <= 0 {
		return true, -1, nil
	}
	used, err := p.usedThisPeriod(ctx, licenseKey, v1.QuotaPeriodStart(now))
	if err != nil {
		return false, 0, err
	}
	remaining := license.JobQuota - used
	return remaining > 0, remaining, nil
}

func (p *DefaultProvider) usedThisPeriod(ctx context.Context, licenseKey, period string) (int, error) {
	usage := &v1.LicenseUsage{}
	pk, sk := v1.LicenseUsageKeys(licenseKey, period)
	if err := p.stores.Usage.Get(ctx, pk, sk, usage); err != nil {
		if errors.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return usage.Used, nil
}

// Reserve burns one quota unit for the job before admission. The unit
// stays attributed to the job through a Reservation record until
// Commit removes the record (keeping the unit) or Refund returns it.
// The ttl bounds the admission window: a reservation past it was
// abandoned mid-admission and is refundable.
func (p *DefaultProvider) Reserve(ctx context.Context, customer, licenseKey, tenant, jobID string, ttl time.Duration) error {
	license, err := p.Get(ctx, customer, licenseKey)
	if err != nil {
		return err
	}
	now := p.clk.Now().UTC()
	if license.Expired(now) {
		return errors.New(errors.KindLicenseExpired, "license expired %s", license.ValidUntil.Format(time.RFC3339))
	}
	if !license.ActivatedFor(tenant) {
		return errors.New(errors.KindForbidden, "license is not activated for tenant %q", tenant)
	}
	if license.JobQuota <= 0 {
		return nil
	}

	period := v1.QuotaPeriodStart(now)
	reservation := &v1.Reservation{
		LicenseKey:  licenseKey,
		JobID:       jobID,
		PeriodStart: period,
		ExpiresAt:   now.Add(ttl),
	}
	reservation.Touch(now)
	if err := p.stores.Reservations.Put(ctx, reservation); err != nil {
		if errors.IsConflict(err) {
			// The job already holds a unit.
			return nil
		}
		return err
	}

	if err := p.bumpUsage(ctx, licenseKey, period, license.JobQuota); err != nil {
		pk, sk := v1.ReservationKeys(licenseKey, jobID)
		if dErr := p.stores.Reservations.Delete(ctx, pk, sk); dErr != nil && !errors.IsNotFound(dErr) {
			logr.FromContextOrDiscard(ctx).Error(dErr, "orphaned reservation after failed usage bump", "job", jobID)
		}
		return err
	}
	reservationsCounter.WithLabelValues(metricResultReserved).Inc()
	return nil
}

func (p *DefaultProvider) bumpUsage(ctx context.Context, licenseKey, period string, quota int) error {
	for attempt := 0; attempt < usageRetryLimit; attempt++ {
		usage := &v1.LicenseUsage{}
		pk, sk := v1.LicenseUsageKeys(licenseKey, period)
		if err := p.stores.Usage.Get(ctx, pk, sk, usage); err != nil {
			if !errors.IsNotFound(err) {
				return err
			}
			usage = &v1.LicenseUsage{LicenseKey: licenseKey, PeriodStart: period}
		}
		if usage.Used >= quota {
			reservationsCounter.WithLabelValues(metricResultExhausted).Inc()
			return errors.New(errors.KindLicenseQuota, "job quota exhausted for period %s, %d of %d used", period, usage.Used, quota)
		}
		usage.Used++
		usage.Touch(p.clk.Now().UTC())
		err := p.stores.Usage.Put(ctx, usage)
		if err == nil {
			return nil
		}
		if !errors.IsConflict(err) {
			return err
		}
	}
	return errors.New(errors.KindConflict, "usage counter for period %s kept conflicting", period)
}

// Commit finalizes the job's unit: the reservation disappears, the
// usage stays counted. Idempotent.
func (p *DefaultProvider) Commit(ctx context.Context, licenseKey, jobID string) error {
	pk, sk := v1.ReservationKeys(licenseKey, jobID)
	err := p.stores.Reservations.Delete(ctx, pk, sk)
	if err != nil && !errors.IsNotFound(err) {
		return err
	}
	if err == nil {
		reservationsCounter.WithLabelValues(metricResultCommitted).Inc()
	}
	return nil
}

// Refund returns the job's unit to the period it was taken from.
// Idempotent: a missing reservation means the unit was already
// committed or refunded.
func (p *DefaultProvider) Refund(ctx context.Context, licenseKey, jobID string) error {
	reservation := &v1.Reservation{}
	pk, sk := v1.ReservationKeys(licenseKey, jobID)
	if err := p.stores.Reservations.Get(ctx, pk, sk, reservation); err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := p.stores.Reservations.Delete(ctx, pk, sk); err != nil && !errors.IsNotFound(err) {
		return err
	}

	for attempt := 0; attempt < usageRetryLimit; attempt++ {
		usage := &v1.LicenseUsage{}
		upk, usk := v1.LicenseUsageKeys(licenseKey, reservation.PeriodStart)
		if err := p.stores.Usage.Get(ctx, upk, usk, usage); err != nil {
			if errors.IsNotFound(err) {
				return nil
			}
			return err
		}
		if usage.Used == 0 {
			return nil
		}
		usage.Used--
		usage.Touch(p.clk.Now().UTC())
		err := p.stores.Usage.Put(ctx, usage)
		if err == nil {
			reservationsCounter.WithLabelValues(metricResultRefunded).Inc()
			return nil
		}
		if !errors.IsConflict(err) {
			return err
		}
	}
	return errors.New(errors.KindConflict, "usage counter for period %s kept conflicting", reservation.PeriodStart)
}

// Sign produces a compact JWS over the payload with the license's
// issued key pair.
func (p *DefaultProvider) Sign(ctx context.Context, customer, licenseKey string, payload []byte) (string, error) {
	license, err := p.Get(ctx, customer, licenseKey)
	if err != nil {
		return "", err
	}
	if license.PrivateKeyRef == "" {
		return "", errors.New(errors.KindValidation, "license has no signing key, activate it first")
	}
	raw, err := p.broker.Unseal(ctx, license.PrivateKeyRef)
	if err != nil {
		return "", err
	}
	return signCompact(license.Algorithm, license.KeyID, raw, payload)
}
