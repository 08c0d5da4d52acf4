/*
Copyright 2025 Codenotary Inc. All rights reserved.

SPDX-License-Identifier: BUSL-1.1
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://mariadb.com/bsl11/

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package multierr

import (
	"errors"
	"fmt"
	"strings"
)

// MultiErr collects the errors of the engine's multi-step teardown paths,
// tagging each with the component it came from, so a failing step neither
// hides the steps after it nor loses its origin.
type MultiErr struct {
	entries []entry
}

type entry struct {
	component string
	err       error
}

func NewMultiErr() *MultiErr {
	return &MultiErr{}
}

// Append records err under the given component tag. Nil errors are
// discarded, so teardown code can append every step unconditionally.
func (me *MultiErr) Append(component string, err error) *MultiErr {
	if err != nil {
		me.entries = append(me.entries, entry{component: component, err: err})
	}

	return me
}

func (me *MultiErr) HasErrors() bool {
	return len(me.entries) > 0
}

func (me *MultiErr) Errors() []error {
	errs := make([]error, len(me.entries))
	for i, e := range me.entries {
		errs[i] = e.err
	}
	return errs
}

// Components returns the tags of the failing steps, in occurrence order.
func (me *MultiErr) Components() []string {
	components := make([]string, len(me.entries))
	for i, e := range me.entries {
		components[i] = e.component
	}
	return components
}

// Reduce returns nil when no error was appended, the collection otherwise.
func (me *MultiErr) Reduce() error {
	if !me.HasErrors() {
		return nil
	}
	return me
}

func (me *MultiErr) Is(target error) bool {
	for _, e := range me.entries {
		if errors.Is(e.err, target) {
			return true
		}
	}

	return false
}

func (me *MultiErr) As(target interface{}) bool {
	for _, e := range me.entries {
		if errors.As(e.err, target) {
			return true
		}
	}

	return false
}

func (me *MultiErr) Error() string {
	parts := make([]string, len(me.entries))
	for i, e := range me.entries {
		parts[i] = fmt.Sprintf("%s: %v", e.component, e.err)
	}
	return strings.Join(parts, "; ")
}
