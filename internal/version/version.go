// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version exposes the build version stamped by the linker.
package version

// version is populated by the Go linker:
//
//	-ldflags "-X github.com/infergate/infergate/internal/version.version=v1.2.3"
var version string

// Version returns the stamped build version, or "dev" for builds made
// without the release tooling.
func Version() string {
	if version == "" {
		return "dev"
	}
	return version
}
