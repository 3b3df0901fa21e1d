package api

import (
	"fmt"
	"strconv"

	"Constellation/internal/quantum"
)

// parseSubmission decodes and validates a submission body.
func parseSubmission(body []byte) (*quantum.Submission, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty submission")
	}

	if len(body) > maxBodySize {
		return nil, fmt.Errorf("submission too large: more than %d bytes", maxBodySize)
	}

	sub, err := quantum.UnmarshalSubmission(body)
	if err != nil {
		return nil, fmt.Errorf("invalid submission: %v", err)
	}

	return sub, nil
}

// parseApex parses a path apex. Apex 0 is the reserved placeholder and never stored.
func parseApex(raw string) (uint64, error) {
	apex, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid apex %q", raw)
	}

	if apex == 0 {
		return 0, fmt.Errorf("apex 0 is reserved")
	}

	return apex, nil
}
