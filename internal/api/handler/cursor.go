package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeJobCursor returns the seq to continue listing below. An empty
// cursor starts from the newest job.
func DecodeJobCursor(cursorStr string) (int64, error) {
	if cursorStr == "" {
		return 0, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return 0, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return 0, fmt.Errorf("invalid cursor format")
	}

	var seq int64
	if _, err := fmt.Sscanf(decodedParts[0], "%d", &seq); err != nil {
		return 0, fmt.Errorf("invalid seq in cursor: %w", err)
	}
	if seq <= 0 {
		return 0, fmt.Errorf("invalid seq in cursor: %d", seq)
	}

	return seq, nil
}

// EncodeJobCursor points the next page below the job with seq and jobID.
func EncodeJobCursor(seq int64, jobID string) string {
	cs := fmt.Sprintf("%d|%s", seq, jobID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
