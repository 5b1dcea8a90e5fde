// Package commands implements the gobfdctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dantte-lp/gobfd/internal/server"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatSessions renders a slice of BFD sessions in the requested format.
func formatSessions(sessions []server.SessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(sessions)
	case formatTable:
		return formatSessionsTable(sessions)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatSession renders a single BFD session in the requested format.
func formatSession(session server.SessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(session)
	case formatTable:
		return formatSessionDetail(session)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEvent renders a session state-change event in the requested format.
func formatEvent(event server.StateChangeEvent, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(event)
	case formatTable:
		return formatEventTable(event), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func marshalIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}

	return string(data), nil
}

// --- Table formatters ---

func formatSessionsTable(sessions []server.SessionView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DISCRIMINATOR\tPEER\tLOCAL\tTYPE\tSTATE\tREMOTE-STATE\tDIAG")

	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.LocalDiscriminator,
			s.PeerAddress,
			s.LocalAddress,
			s.Type,
			s.LocalState,
			s.RemoteState,
			s.LocalDiagnostic,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatSessionDetail(s server.SessionView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Peer Address:\t%s\n", s.PeerAddress)
	fmt.Fprintf(w, "Local Address:\t%s\n", s.LocalAddress)
	fmt.Fprintf(w, "Interface:\t%s\n", s.InterfaceName)
	fmt.Fprintf(w, "Type:\t%s\n", s.Type)
	fmt.Fprintf(w, "Local State:\t%s\n", s.LocalState)
	fmt.Fprintf(w, "Remote State:\t%s\n", s.RemoteState)
	fmt.Fprintf(w, "Local Diagnostic:\t%s\n", s.LocalDiagnostic)
	fmt.Fprintf(w, "Local Discriminator:\t%d\n", s.LocalDiscriminator)
	fmt.Fprintf(w, "Remote Discriminator:\t%d\n", s.RemoteDiscriminator)
	fmt.Fprintf(w, "Desired Min TX:\t%s\n", s.DesiredMinTxInterval)
	fmt.Fprintf(w, "Required Min RX:\t%s\n", s.RequiredMinRxInterval)
	fmt.Fprintf(w, "Detect Multiplier:\t%d\n", s.DetectMultiplier)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatEventTable(event server.StateChangeEvent) string {
	return fmt.Sprintf("[%s] peer=%s  state=%s  prev=%s  diag=%s  discr=%d",
		event.Timestamp.Format(time.RFC3339),
		event.PeerAddress,
		event.State,
		event.PreviousState,
		event.Diagnostic,
		event.LocalDiscriminator,
	)
}
