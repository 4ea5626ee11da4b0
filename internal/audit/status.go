package audit

import (
	"context"
	"strings"
)

// Closure status strings derived from the log. The latest entry's
// message keywords decide; the log is the record of what actually
// happened, so it outranks any cached field.
const (
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusUnknown    = "unknown"
)

func statusFromMessage(message string) string {
	m := strings.ToUpper(message)
	switch {
	case strings.Contains(m, "COMPLETED"):
		return StatusCompleted
	case strings.Contains(m, "FAILED"):
		return StatusFailed
	case strings.Contains(m, "STARTING"):
		return StatusStarting
	default:
		return StatusProcessing
	}
}

// DeriveStatus reads the latest entry for the account and maps its
// message to a coarse status. An empty log yields StatusUnknown.
func DeriveStatus(ctx context.Context, store Store, accountID string) (string, error) {
	latest, err := store.Latest(ctx, accountID)
	if err != nil {
		return StatusUnknown, err
	}
	if latest == nil {
		return StatusUnknown, nil
	}
	return statusFromMessage(latest.Message), nil
}
