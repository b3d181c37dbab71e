// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoMainVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	doMain(t.Context(), &stdout, &stderr, []string{"version"}, func(int) {}, nil, nil)
	require.Contains(t, stdout.String(), "Infergate: dev")
}

func TestDoMainRunDispatch(t *testing.T) {
	var called bool
	rf := func(_ context.Context, c cmdRun, _, _ io.Writer) error {
		called = true
		require.True(t, c.Debug)
		require.Equal(t, "/tmp/infergate.json", c.Path)
		return nil
	}
	var stdout, stderr bytes.Buffer
	doMain(t.Context(), &stdout, &stderr, []string{"run", "--debug", "/tmp/infergate.json"}, func(int) {}, rf, nil)
	require.True(t, called)
}

func TestDoMainHealthcheckDispatch(t *testing.T) {
	var gotPort int
	hf := func(_ context.Context, port int, _, _ io.Writer) error {
		gotPort = port
		return nil
	}
	var stdout, stderr bytes.Buffer
	doMain(t.Context(), &stdout, &stderr, []string{"healthcheck", "--admin-port", "1234"}, func(int) {}, nil, hf)
	require.Equal(t, 1234, gotPort)
}

func TestCmdRunValidate(t *testing.T) {
	c := &cmdRun{}
	require.Error(t, c.Validate())

	c.Path = "/etc/infergate.json"
	require.NoError(t, c.Validate())

	c.Path = ""
	t.Setenv("INFERGATE_NODES", `[{"id":"a","url":"http://10.0.0.1:8000"}]`)
	require.NoError(t, c.Validate())
}
