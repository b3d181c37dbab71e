// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/infergate/infergate/internal/apischema/anthropic"
	"github.com/infergate/infergate/internal/provider"
	"github.com/infergate/infergate/internal/translator"
)

// writeError emits the Anthropic error envelope.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, anthropic.NewErrorResponse(errType, message))
}

// writeRequestError maps a translator error to its wire status.
func writeRequestError(w http.ResponseWriter, re *translator.RequestError) {
	writeError(w, statusForWireType(re.WireType), re.WireType, re.Message)
}

func statusForWireType(wireType string) int {
	switch wireType {
	case anthropic.ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case anthropic.ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case anthropic.ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeNoNodesError emits the 503 returned when routing finds no candidate.
func (s *Server) writeNoNodesError(w http.ResponseWriter) {
	msg := fmt.Sprintf("No healthy cluster nodes available (nodes: %d)", s.cluster.NodeCount())
	if last := s.cluster.LastFailure(); last != "" {
		msg += ", last failure: " + last
	}
	writeError(w, http.StatusServiceUnavailable, anthropic.ErrorTypeOverloaded, msg)
}

// writeUpstreamError maps a backend call failure to a wire error. Messages
// name the failing node and URL but never credentials.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error, nodeID, baseURL string) {
	var pe *provider.Error
	switch {
	case errors.As(err, &pe) && pe.IsAuth():
		writeError(w, http.StatusUnauthorized, anthropic.ErrorTypeAuthentication,
			fmt.Sprintf("node %s rejected credentials: %s", nodeID, pe.Message))
	case errors.As(err, &pe) && pe.StatusCode >= 400 && pe.StatusCode < 500:
		writeError(w, http.StatusBadRequest, anthropic.ErrorTypeInvalidRequest,
			fmt.Sprintf("node %s rejected the request: %s", nodeID, pe.Message))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusInternalServerError, anthropic.ErrorTypeAPI,
			fmt.Sprintf("request to %s timed out", baseURL))
	default:
		writeError(w, http.StatusInternalServerError, anthropic.ErrorTypeAPI,
			fmt.Sprintf("node %s (%s) failed to serve the request", nodeID, baseURL))
	}
}
