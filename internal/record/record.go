package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Lifecycle is the coarse state of a form.
type Lifecycle string

const (
	LifecycleDraft     Lifecycle = "draft"
	LifecycleCompleted Lifecycle = "completed"
)

// SubmissionStatus tracks a form through submission. Everything except
// StatusDraft applies only once the lifecycle is LifecycleCompleted.
type SubmissionStatus string

const (
	StatusDraft     SubmissionStatus = "draft"
	StatusPending   SubmissionStatus = "pending"
	StatusSubmitted SubmissionStatus = "submitted"
	StatusSynced    SubmissionStatus = "synced"
	StatusFailed    SubmissionStatus = "failed"
)

// Region is the operating region active when a record was last edited.
type Region struct {
	Code             string `json:"code" yaml:"code"`
	Name             string `json:"name" yaml:"name"`
	PractitionerName string `json:"practitioner_name" yaml:"practitioner_name"`
	PracticeNumber   string `json:"practice_number" yaml:"practice_number"`
}

// FormRecord is one patient consent form, draft or completed.
//
// ID is the local numeric id and RemoteID the server-assigned id. Neither
// is changed by migration or encoding. Fields holds every domain field the
// core does not interpret.
type FormRecord struct {
	ID       int64  `json:"id,omitempty"`
	RemoteID string `json:"remoteId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	DraftID  int64  `json:"draftId,omitempty"`

	Lifecycle        Lifecycle        `json:"status,omitempty"`
	SubmissionStatus SubmissionStatus `json:"submissionStatus,omitempty"`
	SchemaVersion    int              `json:"schemaVersion,omitempty"`

	RegionCode       string `json:"regionCode,omitempty"`
	Region           string `json:"region,omitempty"`
	PractitionerName string `json:"practitionerName,omitempty"`
	PracticeNumber   string `json:"practiceNumber,omitempty"`

	CreatedAt             time.Time `json:"createdAt"`
	LastModified          time.Time `json:"lastModified"`
	Synced                bool      `json:"synced"`
	SubmissionFingerprint string    `json:"submissionFingerprint,omitempty"`
	Encrypted             bool      `json:"encrypted"`

	PatientName           string `json:"patientName,omitempty"`
	IDNumber              string `json:"idNumber,omitempty"`
	Phone                 string `json:"phone,omitempty"`
	Email                 string `json:"email,omitempty"`
	Address               string `json:"address,omitempty"`
	EmergencyContactName  string `json:"emergencyContactName,omitempty"`
	EmergencyContactPhone string `json:"emergencyContactPhone,omitempty"`
	AccountHolderName     string `json:"accountHolderName,omitempty"`
	AccountHolderID       string `json:"accountHolderId,omitempty"`

	Fields map[string]json.RawMessage `json:"-"`
}

// sensitiveFields lists the JSON names of fields passed through the codec.
var sensitiveFields = []string{
	"patientName",
	"idNumber",
	"phone",
	"email",
	"address",
	"emergencyContactName",
	"emergencyContactPhone",
	"accountHolderName",
	"accountHolderId",
}

// SensitiveFields returns the JSON names of the sensitive fields.
func SensitiveFields() []string {
	out := make([]string, len(sensitiveFields))
	copy(out, sensitiveFields)
	return out
}

// SensitiveField returns a pointer to the named sensitive field, or nil if
// name is not one of SensitiveFields.
func (r *FormRecord) SensitiveField(name string) *string {
	switch name {
	case "patientName":
		return &r.PatientName
	case "idNumber":
		return &r.IDNumber
	case "phone":
		return &r.Phone
	case "email":
		return &r.Email
	case "address":
		return &r.Address
	case "emergencyContactName":
		return &r.EmergencyContactName
	case "emergencyContactPhone":
		return &r.EmergencyContactPhone
	case "accountHolderName":
		return &r.AccountHolderName
	case "accountHolderId":
		return &r.AccountHolderID
	}
	return nil
}

// IsDraft reports whether the record is still a draft. A record with no
// lifecycle set is treated as a draft.
func (r FormRecord) IsDraft() bool {
	return r.Lifecycle == "" || r.Lifecycle == LifecycleDraft
}

// Clone returns a deep copy. The extension map is copied so later edits to
// either record are not observed by the other.
func (r FormRecord) Clone() FormRecord {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]json.RawMessage, len(r.Fields))
		for k, v := range r.Fields {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			out.Fields[k] = cp
		}
	}
	return out
}

// Touch stamps LastModified. CreatedAt is set only when it is still zero,
// and LastModified never falls behind CreatedAt.
func (r *FormRecord) Touch(now time.Time) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if now.Before(r.CreatedAt) {
		now = r.CreatedAt
	}
	r.LastModified = now
}

// ApplyRegion copies the region snapshot onto the record. A region without
// a code leaves the record's existing snapshot untouched.
func (r *FormRecord) ApplyRegion(reg Region) {
	if reg.Code == "" {
		return
	}
	r.RegionCode = reg.Code
	r.Region = reg.Name
	r.PractitionerName = reg.PractitionerName
	r.PracticeNumber = reg.PracticeNumber
}

// Fingerprint builds the "{regionCode}-{millis}" correlation id.
func Fingerprint(regionCode string, now time.Time) string {
	return fmt.Sprintf("%s-%d", regionCode, now.UnixMilli())
}

// Extra returns the raw JSON of an extension field.
func (r FormRecord) Extra(key string) (json.RawMessage, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// SetExtra stores v, marshaled to JSON, as an extension field.
func (r *FormRecord) SetExtra(key string, v any) error {
	if _, known := knownKeys[key]; known {
		return fmt.Errorf("set extra: %q is a known field", key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("set extra %q: %w", key, err)
	}
	if r.Fields == nil {
		r.Fields = make(map[string]json.RawMessage)
	}
	r.Fields[key] = raw
	return nil
}

// formRecordJSON has the same layout as FormRecord without its methods.
type formRecordJSON FormRecord

// knownKeys holds the JSON names of the typed fields.
var knownKeys = func() map[string]struct{} {
	keys := make(map[string]struct{})
	t := reflect.TypeOf(formRecordJSON{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		keys[name] = struct{}{}
	}
	return keys
}()

// MarshalJSON writes known and extension fields into one flat object.
// Zero timestamps are omitted.
func (r FormRecord) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(formRecordJSON(r))
	if err != nil {
		return nil, err
	}
	obj := make(map[string]json.RawMessage, len(r.Fields)+16)
	if err := json.Unmarshal(known, &obj); err != nil {
		return nil, err
	}
	if r.CreatedAt.IsZero() {
		delete(obj, "createdAt")
	}
	if r.LastModified.IsZero() {
		delete(obj, "lastModified")
	}
	for k, v := range r.Fields {
		if _, clash := obj[k]; clash {
			continue
		}
		obj[k] = v
	}
	return json.Marshal(obj)
}

// UnmarshalJSON splits a flat object into known and extension fields.
// A sensitive field holding a non-string value is kept as an extension
// field so it survives unchanged.
func (r *FormRecord) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	known := make(map[string]json.RawMessage, len(obj))
	var extras map[string]json.RawMessage
	for k, v := range obj {
		_, isKnown := knownKeys[k]
		if isKnown && isSensitive(k) && !isJSONString(v) && !isJSONNull(v) {
			isKnown = false
		}
		if !isKnown {
			if extras == nil {
				extras = make(map[string]json.RawMessage)
			}
			extras[k] = v
			continue
		}
		known[k] = v
	}

	buf, err := json.Marshal(known)
	if err != nil {
		return err
	}
	var out formRecordJSON
	if err := json.Unmarshal(buf, &out); err != nil {
		return fmt.Errorf("decode form record: %w", err)
	}
	out.Fields = extras
	*r = FormRecord(out)
	return nil
}

func isSensitive(name string) bool {
	for _, f := range sensitiveFields {
		if f == name {
			return true
		}
	}
	return false
}

func isJSONString(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '"'
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
