package repository

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// queryTimeout bounds every ledger round trip.
const queryTimeout = 5 * time.Second

func encodeMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	metadata := map[string]string{}
	if len(raw) == 0 {
		return metadata, nil
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return metadata, nil
}

func encodeGrantees(grantees []string) (string, error) {
	if grantees == nil {
		grantees = []string{}
	}
	raw, err := json.Marshal(grantees)
	if err != nil {
		return "", fmt.Errorf("failed to encode grantees: %w", err)
	}
	return string(raw), nil
}

func decodeGrantees(raw []byte) ([]string, error) {
	grantees := []string{}
	if len(raw) == 0 {
		return grantees, nil
	}
	if err := json.Unmarshal(raw, &grantees); err != nil {
		return nil, fmt.Errorf("failed to decode grantees: %w", err)
	}
	sort.Strings(grantees)
	return grantees, nil
}

// normalizeGrantees returns a sorted copy; Record.HasGrantee binary
// searches the list.
func normalizeGrantees(grantees []string) []string {
	out := make([]string, len(grantees))
	copy(out, grantees)
	sort.Strings(out)
	return out
}
