// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"
)

// ErrorClass tells a caller whether retrying the same request could succeed.
type ErrorClass string

const (
	// ErrorClassTransient covers timeouts, throttling and upstream 5xx.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassFatal covers everything a retry will not fix: bad requests,
	// authentication failures, unknown models, cancelled calls.
	ErrorClassFatal ErrorClass = "fatal"
)

// Classify maps a model call error to an ErrorClass.
//
// # Description
//
// Provider HTTP errors are classified by status code: 408, 409, 429 and any
// 5xx are transient. Deadline expiry, network timeouts and truncated streams
// are transient. Everything else, including cancellation, is fatal.
//
// # Inputs
//
//   - err: Any error returned by a ChatModel. Nil returns "".
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrorClassTransient
	}

	if status := statusCode(err); status != 0 {
		if retryableStatus(status) {
			return ErrorClassTransient
		}
		return ErrorClassFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassTransient
	}
	return ErrorClassFatal
}

// statusCode extracts the upstream HTTP status from provider error types.
func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return anthErr.StatusCode
	}
	return 0
}

func retryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
