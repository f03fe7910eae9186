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

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/tools/clientcmd"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/aws/sdk"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// armScope is the token audience used to verify Azure service
// principals actually authenticate.
const armScope = "https://management.azure.com/.default"

// Prober verifies that resolved credential material authenticates
// before a job is admitted on it. The env map is the evaluator
// environment produced by the cloud capability; its values are secret.
type Prober interface {
	Probe(ctx context.Context, cloud v1.Cloud, env map[string]string) error
}

// DefaultProber performs the cheapest authenticated call each cloud
// offers: STS GetCallerIdentity for AWS, an ARM token for Azure, the
// discovery version endpoint for Kubernetes. Google has no cheap
// authenticated probe; its material is validated structurally by the
// capability and accepted here.
type DefaultProber struct {
	// newSTS builds an STS client from static material; swapped in
	// tests.
	newSTS func(ctx context.Context, env map[string]string) (sdk.STSAPI, error)
}

func NewDefaultProber() *DefaultProber {
	return &DefaultProber{newSTS: newSTSFromEnv}
}

// NewProberWithSTS lets tests substitute the STS client used for AWS
// probes.
func NewProberWithSTS(stsapi sdk.STSAPI) *DefaultProber {
	return &DefaultProber{newSTS: func(context.Context, map[string]string) (sdk.STSAPI, error) {
		return stsapi, nil
	}}
}

func (p *DefaultProber) Probe(ctx context.Context, cloud v1.Cloud, env map[string]string) error {
	switch cloud {
	case v1.CloudAWS:
		return p.probeAWS(ctx, env)
	case v1.CloudAzure:
		return p.probeAzure(ctx, env)
	case v1.CloudGoogle:
		return nil
	case v1.CloudKubernetes:
		return probeKubernetes(env)
	}
	return errors.New(errors.KindValidation, "no credential probe for cloud %q", cloud)
}

func (p *DefaultProber) probeAWS(ctx context.Context, env map[string]string) error {
	stsapi, err := p.newSTS(ctx, env)
	if err != nil {
		return err
	}
	if _, err := stsapi.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return errors.New(errors.KindNoCredentials, "aws material failed the caller identity probe")
	}
	return nil
}

func (p *DefaultProber) probeAzure(ctx context.Context, env map[string]string) error {
	credential, err := azidentity.NewClientSecretCredential(
		env["AZURE_TENANT_ID"], env["AZURE_CLIENT_ID"], env["AZURE_CLIENT_SECRET"], nil)
	if err != nil {
		return errors.New(errors.KindNoCredentials, "azure service principal is malformed")
	}
	if _, err := credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{armScope}}); err != nil {
		return errors.New(errors.KindNoCredentials, "azure service principal failed the token probe")
	}
	return nil
}

// probeKubernetes builds a rest config from the inline kubeconfig and
// hits the version endpoint.
func probeKubernetes(env map[string]string) error {
	restConfig, err := clientcmd.RESTConfigFromKubeConfig([]byte(env["KUBECONFIG_CONTENT"]))
	if err != nil {
		return errors.New(errors.KindNoCredentials, "kubeconfig does not yield a client configuration")
	}
	client, err := discovery.NewDiscoveryClientForConfig(restConfig)
	if err != nil {
		return errors.New(errors.KindNoCredentials, "kubeconfig does not yield a discovery client")
	}
	if _, err := client.ServerVersion(); err != nil {
		return errors.New(errors.KindNoCredentials, "cluster refused the kubeconfig identity")
	}
	return nil
}

func newSTSFromEnv(ctx context.Context, env map[string]string) (sdk.STSAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(
			awscreds.NewStaticCredentialsProvider(
				env["AWS_ACCESS_KEY_ID"], env["AWS_SECRET_ACCESS_KEY"], env["AWS_SESSION_TOKEN"]))),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "building probe client config")
	}
	return sts.NewFromConfig(cfg), nil
}
