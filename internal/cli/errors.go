// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error display and exit codes for astrobro commands.
//
// Command handlers return errors and never print them; main displays the
// error once and exits with ExitCode(err).

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/astrobro/internal/archive"
	"github.com/jeranaias/astrobro/internal/chat"
	"github.com/jeranaias/astrobro/internal/config"
	"github.com/jeranaias/astrobro/internal/storage"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitUsageError    = 2
	ExitConfigError   = 3
	ExitModelError    = 4 // every candidate model failed
	ExitNotFoundError = 5
	ExitCanceled      = 130
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError reports invalid command usage.
type UsageError struct {
	Reason string
	Hint   string
}

func (e *UsageError) Error() string {
	if e.Hint != "" {
		return e.Reason + " (" + e.Hint + ")"
	}
	return e.Reason
}

// usageErrorf builds a UsageError with a hint.
func usageErrorf(hint, format string, args ...any) error {
	return &UsageError{Reason: fmt.Sprintf(format, args...), Hint: hint}
}

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usage *UsageError
	var invalid config.ValidateErrors
	var failure *chat.FailureError
	switch {
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.As(err, &invalid):
		return ExitConfigError
	case chat.IsCanceled(err):
		return ExitCanceled
	case errors.As(err, &failure):
		return ExitModelError
	case errors.Is(err, archive.ErrNotFound), errors.Is(err, storage.ErrConversationNotFound):
		return ExitNotFoundError
	default:
		return ExitGeneralError
	}
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError writes err to w, as a JSON error response in JSON mode.
func DisplayError(w io.Writer, command string, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(NewJSONErrorResponse(command, err))
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
}
