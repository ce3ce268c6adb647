// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

package analysis

// Error is a classified analysis failure. It carries the category and the
// diagnostic detail map that end up on the failed task record.
type Error struct {
	Category ErrorCategory
	Message  string
	Details  map[string]any
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds a classified error with an optional detail map.
func NewError(category ErrorCategory, message string, details map[string]any) *Error {
	return &Error{Category: category, Message: message, Details: details}
}
