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

package v1

import (
	"fmt"
)

// Blob key layout. Keys are hierarchical path-like strings; listing a
// prefix enumerates a subtree.

// RulesetArtifactKey addresses the compiled policy bundle for a
// fingerprint.
func RulesetArtifactKey(cloud Cloud, fingerprint string) string {
	return fmt.Sprintf("rulesets/%s/%s", cloud.Lower(), fingerprint)
}

// ResultsPrefix is the root of a job's raw evaluator output tree.
func ResultsPrefix(jobID string) string {
	return fmt.Sprintf("results/%s/", jobID)
}

// ResultKey addresses one evaluator output file:
// results/{job}/{region}/{policy}/{metadata.json|resources.json|errors.log}.
func ResultKey(jobID, region, policy, file string) string {
	return fmt.Sprintf("results/%s/%s/%s/%s", jobID, region, policy, file)
}

// StatisticsKey addresses the canonical statistics document of a job.
func StatisticsKey(jobID string) string {
	return fmt.Sprintf("statistics/%s.json", jobID)
}

// SnapshotBlobKey addresses the serialized metric snapshot.
func SnapshotBlobKey(tenant, asOf string) string {
	return fmt.Sprintf("metrics/%s/%s.json", tenant, asOf)
}

// ReportBlobKey addresses a rendered report payload.
func ReportBlobKey(entity string, reportType ReportType) string {
	return fmt.Sprintf("reports/%s/%s.json", entity, reportType)
}

// Evaluator output file names inside a result tree.
const (
	MetadataFile  = "metadata.json"
	ResourcesFile = "resources.json"
	ErrorsFile    = "errors.log"
)
