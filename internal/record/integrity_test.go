package record

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCompleted() FormRecord {
	return FormRecord{
		Lifecycle:             LifecycleCompleted,
		SubmissionFingerprint: "WC-1",
		RegionCode:            "WC",
		CreatedAt:             t0,
		LastModified:          t0.Add(time.Minute),
		PatientName:           "Jane Doe",
	}
}

func TestCheckIntegrity_Valid(t *testing.T) {
	assert.NoError(t, CheckIntegrity(validCompleted()))
}

func TestCheckIntegrity_MissingPersistedFields(t *testing.T) {
	err := CheckIntegrity(FormRecord{})
	require.Error(t, err)

	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Problems, "lifecycle is not completed")
	assert.Contains(t, ie.Problems, "missing submission fingerprint")
	assert.Contains(t, ie.Problems, "missing region code")
	assert.Contains(t, ie.Problems, "missing timestamps")
}

func TestCheckIntegrity_TimestampOrder(t *testing.T) {
	r := validCompleted()
	r.LastModified = t0.Add(-time.Minute)
	err := CheckIntegrity(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lastModified before createdAt")
}

func TestCheckIntegrity_SuspiciousContent(t *testing.T) {
	r := validCompleted()
	r.Address = `<SCRIPT>alert(1)</script>`
	require.NoError(t, r.SetExtra("notes", "javascript:void(0)"))

	err := CheckIntegrity(r)
	require.Error(t, err)
	assert.True(t, IsIntegrityError(err))
	assert.True(t, IsIntegrityError(fmt.Errorf("wrapped: %w", err)))
	assert.Contains(t, err.Error(), "suspicious content in address")
	assert.Contains(t, err.Error(), "suspicious content in notes")
}

func TestCheckIntegrity_EncodedFieldsNotScanned(t *testing.T) {
	r := validCompleted()
	r.Encrypted = true
	r.PatientName = "enc:v1:<script"
	assert.NoError(t, CheckIntegrity(r))
}
