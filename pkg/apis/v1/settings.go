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

// SettingScopeGlobal is the partition for process-wide toggles.
const SettingScopeGlobal = "global"

// Well-known setting names.
const (
	SettingReportSendingDisabled = "report_sending_disabled"
	SettingSendFailures          = "report_send_failures"
)

// Setting is one named toggle or small value, either global or scoped
// to a customer.
type Setting struct {
	ObjectMeta

	Scope string `json:"scope"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Setting) Keys() (string, string) {
	return s.Scope, "setting/" + s.Name
}

func SettingKeys(scope, name string) (string, string) {
	return scope, "setting/" + name
}
