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

// Package v1 contains the persisted record types of the rule engine:
// tenants, licenses, rules, rulesets, jobs, schedules, snapshots and
// report bookkeeping. Records are stored as JSON documents behind the
// record store facade and addressed by a (partition key, sort key) pair
// returned from each type's Keys method.
package v1
