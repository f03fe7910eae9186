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

package cloud

import (
	"strings"

	"k8s.io/client-go/tools/clientcmd"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

func init() {
	register(&kubernetesCapability{})
}

// KubernetesKubeconfig is the material key carrying the kubeconfig
// document.
const KubernetesKubeconfig = "kubeconfig"

type kubernetesCapability struct{}

func (c *kubernetesCapability) Cloud() v1.Cloud { return v1.CloudKubernetes }

// ValidateRegions: clusters have no regions; the kubeconfig scopes the
// scan instead.
func (c *kubernetesCapability) ValidateRegions(regions []string) error {
	if len(regions) > 0 {
		return errors.New(errors.KindValidation, "kubernetes scans take no regions, the kubeconfig scopes the cluster")
	}
	return nil
}

func (c *kubernetesCapability) EnvVars(material map[string]string) (map[string]string, error) {
	kubeconfig := material[KubernetesKubeconfig]
	if kubeconfig == "" {
		return nil, errors.New(errors.KindNoCredentials, "kubernetes material requires %s", KubernetesKubeconfig)
	}
	if _, err := clientcmd.Load([]byte(kubeconfig)); err != nil {
		return nil, errors.New(errors.KindNoCredentials, "kubeconfig does not parse")
	}
	return map[string]string{"KUBECONFIG_CONTENT": kubeconfig}, nil
}

func (c *kubernetesCapability) ClassifyError(message string) v1.ScanErrorKind {
	switch lowered := strings.ToLower(message); {
	case contains(lowered, "unauthorized", "must authenticate", "x509"):
		return v1.ScanErrorCredentials
	case contains(lowered, "forbidden", "cannot list resource"):
		return v1.ScanErrorAccess
	case contains(lowered, "too many requests", "client-side throttling"):
		return v1.ScanErrorThrottling
	case contains(lowered, "quota exceeded"):
		return v1.ScanErrorQuota
	}
	return v1.ScanErrorInternal
}
