// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	require.Equal(t, "dev", Version())

	version = "v0.3.1"
	t.Cleanup(func() { version = "" })
	require.Equal(t, "v0.3.1", Version())
}
