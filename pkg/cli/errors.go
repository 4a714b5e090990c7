package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// FormatError converts an error to a human-readable message.
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrNotMounted):
		return "No mount is running for this enlistment"
	case errors.Is(err, ErrMountNotReady):
		return "The mount is still starting or is shutting down"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return "Timed out waiting for the mount"
	}

	return cleanErrorMessage(err.Error())
}

// GetErrorSuggestions returns helpful suggestions for an error
func GetErrorSuggestions(err error) []string {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotMounted):
		return []string{
			"Mount the enlistment: " + codeStyle.Render("gvfs mount <enlistment>"),
			"Check the socket directory: " + codeStyle.Render("--socket-dir"),
		}
	case errors.Is(err, ErrMountNotReady):
		return []string{
			"Wait for the mount to finish: " + codeStyle.Render("gvfs status"),
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return []string{
			"Check the mount log in " + codeStyle.Render(".gvfs/logs/mount.log"),
		}
	}
	return nil
}

// cleanErrorMessage cleans up common error message patterns
func cleanErrorMessage(msg string) string {
	msg = strings.TrimPrefix(msg, "error: ")
	msg = strings.TrimPrefix(msg, "Error: ")

	// For deeply nested errors, just show the most relevant part
	if parts := strings.Split(msg, ": "); len(parts) > 3 {
		msg = parts[0] + ": " + parts[len(parts)-1]
	}
	return msg
}

// PrintFormattedError prints an error with styling and optional suggestions
func PrintFormattedError(title string, err error) {
	if PrintJSON(map[string]string{"error": title, "detail": FormatError(err)}) {
		return
	}

	fmt.Fprintln(stdout)
	PrintErrorMsg(title)

	if err != nil {
		fmt.Fprintf(stdout, "  %s\n", dimStyle.Render(FormatError(err)))
		if suggestions := GetErrorSuggestions(err); len(suggestions) > 0 {
			fmt.Fprintln(stdout)
			PrintSuggestions("Suggestions:", suggestions)
		}
	}
	fmt.Fprintln(stdout)
}
