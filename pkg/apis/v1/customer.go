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

// customersPartition anchors all customer records under one partition
// so sweeps can enumerate customers without an external index.
const customersPartition = "customers"

// Customer is the top-level ownership boundary. Tenants, licenses,
// rule sources, jobs and reports all hang off a customer name.
type Customer struct {
	ObjectMeta

	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Admins      []string `json:"admins,omitempty"`
	Inactive    bool     `json:"inactive,omitempty"`
}

func (c *Customer) Keys() (string, string) {
	return customersPartition, "customer/" + c.Name
}

func CustomerKeys(name string) (string, string) {
	return customersPartition, "customer/" + name
}

// CustomersPartition is the scan anchor for enumerating customers.
func CustomersPartition() (string, string) {
	return customersPartition, "customer/"
}

func (c *Customer) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("customer requires a name")
	}
	return nil
}
