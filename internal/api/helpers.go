// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/ajroetker/go-mfa/mfa"
)

// ResponseError is the body of every error response.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}

// errorCodes maps descriptor errors to stable codes.
var errorCodes = []struct {
	err  error
	code string
}{
	{mfa.ErrDescriptorIncomplete, "descriptor_incomplete"},
	{mfa.ErrInvalidPrecisionPair, "invalid_precision_pair"},
	{mfa.ErrThreadgroupMemoryExceeded, "threadgroup_memory_exceeded"},
	{mfa.ErrUnsupportedDevice, "unsupported_device"},
	{mfa.ErrInvalidDescriptor, "invalid_descriptor"},
}

func (s *Server) writeGenerationError(c *echo.Context, kind string, err error) error {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return writeError(c, http.StatusUnprocessableEntity, "invalid_request_error", err.Error(), e.code)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return writeError(c, http.StatusServiceUnavailable, "server_error", err.Error(), "canceled")
	}
	s.log.Error("kernel generation failed", "kind", kind, "error", err)
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
}
