package printer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/dyluth/parley/pkg/forum"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	// Stdout receives regular output; tests may replace it
	Stdout io.Writer = os.Stdout
	// Stderr receives errors and warnings
	Stderr io.Writer = os.Stderr
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		green.Fprintf(Stdout, "✓ %s", msg)
	} else {
		green.Fprint(Stdout, msg)
	}
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Fprintf(Stdout, format, a...)
}

// Warning prints a warning message in yellow to stderr
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		yellow.Fprintf(Stderr, "⚠️  %s", msg)
	} else {
		yellow.Fprint(Stderr, msg)
	}
}

// Notice prints a dimmed status line, e.g. the new-messages indicator
func Notice(format string, a ...any) {
	faint.Fprintf(Stderr, format, a...)
}

// Step prints a step message with emphasis (used in multi-step operations)
func Step(format string, a ...any) {
	cyan.Fprintf(Stdout, "→ %s", fmt.Sprintf(format, a...))
}

// Println prints a plain message
func Println(a ...any) {
	fmt.Fprintln(Stdout, a...)
}

// Printf prints a plain formatted message
func Printf(format string, a ...any) {
	fmt.Fprintf(Stdout, format, a...)
}

// Error prints a formatted error with title, explanation and suggestions to stderr
// and returns a simple error for Cobra (which won't print it due to SilenceErrors)
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error plus key/value context lines, printed in key order
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(Stderr, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(Stderr, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(Stderr, "\n")
		for _, k := range keys {
			fmt.Fprintf(Stderr, "  %s: %s\n", k, context[k])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(Stderr, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(Stderr, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(Stderr, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(Stderr, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	return fmt.Errorf("%s", title)
}

// APIError renders a failed forum operation with suggestions that fit the cause.
// action completes the title "Failed to <action>".
func APIError(action string, err error) error {
	title := "Failed to " + action
	ctx := map[string]string{}

	var apiErr *forum.APIError
	if errors.As(err, &apiErr) {
		ctx["Request"] = apiErr.Method + " " + apiErr.Path
		ctx["Status"] = fmt.Sprintf("%d", apiErr.Status)
	}

	var netErr net.Error
	switch {
	case forum.IsUnauthorized(err):
		return ErrorWithContext(title, "You are not logged in, or your session has expired.", ctx,
			[]string{"Log in again: parley login --email <email>"})
	case forum.IsForbidden(err):
		return ErrorWithContext(title, "Your account is not allowed to do this.", ctx,
			[]string{"Ask an administrator, or check your role: parley whoami"})
	case forum.IsNotFound(err):
		return ErrorWithContext(title, err.Error(), ctx,
			[]string{"Check the id; list what exists with 'parley categories' or 'parley topics <category-id>'"})
	case forum.IsDecodeError(err):
		return ErrorWithContext(title, err.Error(), ctx,
			[]string{"The server answered with an unexpected payload. Check that --server points at a compatible forum API."})
	case errors.As(err, &netErr):
		return ErrorWithContext(title, err.Error(), ctx, []string{
			"Check that the forum server is running and reachable",
			"Point parley at another server with --server or PARLEY_SERVER",
		})
	default:
		return ErrorWithContext(title, err.Error(), ctx, nil)
	}
}
