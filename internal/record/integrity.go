package record

import (
	"errors"
	"fmt"
	"strings"
)

// suspiciousMarkers are substrings rejected in any string field before a
// completed record is written.
var suspiciousMarkers = []string{"<script", "javascript:", "onerror="}

// IntegrityError reports why a record failed its pre-write sanity check.
type IntegrityError struct {
	Problems []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: %s", strings.Join(e.Problems, "; "))
}

// IsIntegrityError returns true if err is or wraps an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// CheckIntegrity validates a prepared completed record. It checks the
// fields every persisted completed form must carry and scans plain string
// fields for script-injection markers.
func CheckIntegrity(r FormRecord) error {
	var problems []string

	if r.Lifecycle != LifecycleCompleted {
		problems = append(problems, "lifecycle is not completed")
	}
	if r.SubmissionFingerprint == "" {
		problems = append(problems, "missing submission fingerprint")
	}
	if r.RegionCode == "" {
		problems = append(problems, "missing region code")
	}
	if r.CreatedAt.IsZero() || r.LastModified.IsZero() {
		problems = append(problems, "missing timestamps")
	} else if r.LastModified.Before(r.CreatedAt) {
		problems = append(problems, "lastModified before createdAt")
	}

	check := func(name, value string) {
		lower := strings.ToLower(value)
		for _, m := range suspiciousMarkers {
			if strings.Contains(lower, m) {
				problems = append(problems, fmt.Sprintf("suspicious content in %s", name))
				return
			}
		}
	}
	// Encoded sensitive values are opaque; only plain ones can be scanned.
	if !r.Encrypted {
		for _, name := range sensitiveFields {
			check(name, *r.SensitiveField(name))
		}
	}
	check("region", r.Region)
	check("practitionerName", r.PractitionerName)
	for k, v := range r.Fields {
		if isJSONString(v) {
			check(k, string(v))
		}
	}

	if len(problems) > 0 {
		return &IntegrityError{Problems: problems}
	}
	return nil
}
