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

package appendable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetadata(t *testing.T) {
	md := NewMetadata(nil)

	_, ok := md.GetInt("FANOUT")
	require.False(t, ok)

	md.PutInt("FANOUT", 64)
	md.PutString("INSTANCE_ID", "d2c4a0f0")
	md.Put("RAW", []byte{1, 2, 3})

	fanout, ok := md.GetInt("FANOUT")
	require.True(t, ok)
	require.Equal(t, 64, fanout)

	instanceID, ok := md.GetString("INSTANCE_ID")
	require.True(t, ok)
	require.Equal(t, "d2c4a0f0", instanceID)

	deserialized := NewMetadata(md.Bytes())

	fanout, ok = deserialized.GetInt("FANOUT")
	require.True(t, ok)
	require.Equal(t, 64, fanout)

	instanceID, ok = deserialized.GetString("INSTANCE_ID")
	require.True(t, ok)
	require.Equal(t, "d2c4a0f0", instanceID)

	raw, ok := deserialized.Get("RAW")
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, raw)
}
