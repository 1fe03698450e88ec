// Package cli provides output formatting and an HTTP client for the mirip command.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperjump/mirip/internal/models"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
	// OutputCompact prints one "id score" pair per line.
	OutputCompact OutputFormat = "compact"
)

// ParseFormat maps a flag value to an OutputFormat.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case OutputText, OutputJSON, OutputCompact:
		return f, nil
	case "":
		return OutputText, nil
	}
	return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
}

// WriteSimilarResults writes a similarity response to w in the given format.
func WriteSimilarResults(w io.Writer, resp *models.SimilarResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, resp)
	case OutputCompact:
		for _, m := range resp.Results {
			if _, err := fmt.Fprintf(w, "%d\t%.1f\n", m.ID, m.Score); err != nil {
				return err
			}
		}
		return nil
	default:
		fmt.Fprintf(w, "\nFound %d similar items in %dms", resp.Total, resp.QueryTime)
		if resp.Fallback {
			fmt.Fprint(w, " (no embedding for item; random picks)")
		}
		fmt.Fprint(w, "\n\n")
		for i, m := range resp.Results {
			fmt.Fprintf(w, "%3d. item %-10d score %5.1f\n", i+1, m.ID, m.Score)
		}
		if !resp.SnapshotBuiltAt.IsZero() {
			fmt.Fprintf(w, "\nindex snapshot: %s\n", resp.SnapshotBuiltAt.Format("2006-01-02 15:04:05 MST"))
		}
		return nil
	}
}

// WriteStatus writes an index status report to w.
func WriteStatus(w io.Writer, status *models.StatusResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, status)
	}
	st := status.Index
	fmt.Fprintf(w, "state:              %s\n", st.State)
	fmt.Fprintf(w, "records:            %d   # vectors in the current snapshot\n", st.RecordCount)
	fmt.Fprintf(w, "rejected:           %d   # rows skipped at the last sync\n", st.RejectedCount)
	fmt.Fprintf(w, "source_rows:        %d\n", st.SourceCount)
	if !st.LastSyncTime.IsZero() {
		fmt.Fprintf(w, "last_sync:          %s (%s)\n", st.LastSyncTime.Format("2006-01-02 15:04:05 MST"), st.LastSyncID)
	}
	if st.SyncInProgress {
		fmt.Fprintln(w, "sync_in_progress:   true")
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "last_error:         %s\n", st.LastError)
	}
	if status.DatabaseSizeBytes != nil {
		fmt.Fprintf(w, "database_bytes:     %d\n", *status.DatabaseSizeBytes)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "# configuration")
	fmt.Fprintf(w, "embedding_dims:     %d\n", status.Config.EmbeddingDimensions)
	if status.Config.DatabasePath != "" {
		fmt.Fprintf(w, "database_path:      %s\n", status.Config.DatabasePath)
	}
	if status.Config.ModelPath != "" {
		fmt.Fprintf(w, "model_path:         %s\n", status.Config.ModelPath)
	}
	fmt.Fprintf(w, "page_size:          %d\n", status.Config.PageSize)
	fmt.Fprintf(w, "parallel_threshold: %d\n", status.Config.ParallelThreshold)
	fmt.Fprintf(w, "watch_store:        %t\n", status.Config.WatchStore)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
