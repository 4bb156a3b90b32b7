package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldKind determines how raw input is coerced before it is assigned to a draft field.
type FieldKind int

const (
	// KindString assigns the value as entered.
	KindString FieldKind = iota
	// KindRichText assigns the value as entered; the content is markup.
	KindRichText
	// KindInteger accepts an optionally signed decimal integer.
	KindInteger
	// KindCurrency accepts a non-negative amount, ignoring a leading "$" and digit separators.
	KindCurrency
	// KindDate accepts an RFC 3339 timestamp.
	KindDate
	// KindList is a list field edited through append, remove and multi-select operations.
	KindList
	// KindStructured is edited only through dedicated operations.
	KindStructured
)

func (k FieldKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindRichText:
		return "richtext"
	case KindInteger:
		return "integer"
	case KindCurrency:
		return "currency"
	case KindDate:
		return "date"
	case KindList:
		return "list"
	case KindStructured:
		return "structured"
	default:
		return "unknown"
	}
}

// Synchronization keys. A key names one partial patch; several draft fields may share one.
const (
	SyncKeyPrizeSets   = "prizeSets"
	SyncKeyPhases      = "phases"
	SyncKeyResetPhases = "reset-phases"
	SyncKeyGroups      = "groups"
	SyncKeyReviewType  = "reviewType"
	SyncKeyTerms       = "terms"
	SyncKeyMetadata    = "metadata"
)

// FieldSpec declares an editable draft field.
type FieldSpec struct {
	Name string
	Kind FieldKind
	// SyncKey is the partial patch triggered by a change. Empty means the field is
	// never auto-synced and only reaches the server through a full commit.
	SyncKey string
	// ReadOnly fields cannot be set through the Draft Store.
	ReadOnly bool
}

var fieldSpecs = map[string]FieldSpec{
	"name":               {Name: "name", Kind: KindString, SyncKey: "name"},
	"trackId":            {Name: "trackId", Kind: KindString, SyncKey: "trackId"},
	"typeId":             {Name: "typeId", Kind: KindString, SyncKey: "typeId"},
	"description":        {Name: "description", Kind: KindRichText, SyncKey: "description"},
	"privateDescription": {Name: "privateDescription", Kind: KindRichText, SyncKey: "privateDescription"},
	"descriptionFormat":  {Name: "descriptionFormat", Kind: KindString, SyncKey: "descriptionFormat"},
	"tags":               {Name: "tags", Kind: KindList, SyncKey: "tags"},
	"groups":             {Name: "groups", Kind: KindList, SyncKey: SyncKeyGroups},
	"terms":              {Name: "terms", Kind: KindStructured, SyncKey: SyncKeyTerms},
	"attachments":        {Name: "attachments", Kind: KindList, SyncKey: "attachmentIds"},
	"fileTypes":          {Name: "fileTypes", Kind: KindList, SyncKey: "fileTypes"},
	"prizeSets":          {Name: "prizeSets", Kind: KindStructured, SyncKey: SyncKeyPrizeSets},
	"reviewCost":         {Name: "reviewCost", Kind: KindCurrency, SyncKey: SyncKeyPrizeSets},
	"copilotFee":         {Name: "copilotFee", Kind: KindCurrency, SyncKey: SyncKeyPrizeSets},
	"checkpointPrizes":   {Name: "checkpointPrizes", Kind: KindStructured, SyncKey: SyncKeyPrizeSets},
	"phases":             {Name: "phases", Kind: KindStructured, SyncKey: SyncKeyPhases},
	"timelineTemplateId": {Name: "timelineTemplateId", Kind: KindString, SyncKey: SyncKeyResetPhases},
	"copilot":            {Name: "copilot", Kind: KindString},
	"reviewer":           {Name: "reviewer", Kind: KindString},
	"reviewType":         {Name: "reviewType", Kind: KindString, SyncKey: SyncKeyReviewType},
	"metadata":           {Name: "metadata", Kind: KindStructured, SyncKey: SyncKeyMetadata},
	"startDate":          {Name: "startDate", Kind: KindDate, SyncKey: "startDate"},
	"projectId":          {Name: "projectId", Kind: KindInteger, SyncKey: "projectId"},
	"status":             {Name: "status", Kind: KindString, ReadOnly: true},
	"id":                 {Name: "id", Kind: KindString, ReadOnly: true},
}

// LookupField returns the declaration of a draft field.
func LookupField(name string) (FieldSpec, bool) {
	spec, ok := fieldSpecs[name]
	return spec, ok
}

// SyncKeyFor returns the partial patch key for a field, or "" when it is never auto-synced.
func SyncKeyFor(field string) string {
	return fieldSpecs[field].SyncKey
}

func unknownField(field, operation string) *EngineError {
	return NewValidationError(fmt.Sprintf("unknown field %q", field), nil).
		WithCode(ErrCodeUnknownField).
		WithField(field).
		WithOperation(operation)
}

func invalidValue(field, operation string, err error) *EngineError {
	return NewValidationError(fmt.Sprintf("invalid value for %s", field), err).
		WithCode(ErrCodeInvalidValue).
		WithField(field).
		WithOperation(operation)
}

// CoerceCurrency normalizes a user-entered amount into a digit string. The empty
// string is accepted and clears the amount.
func CoerceCurrency(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "$")
	s = strings.NewReplacer(",", "", "_", "", " ", "").Replace(s)
	if s == "" {
		return "", nil
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%q is not a whole amount", raw)
		}
	}
	// drop leading zeros but keep a single zero
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		trimmed = "0"
	}
	if _, err := strconv.Atoi(trimmed); err != nil {
		return "", fmt.Errorf("%q is too large", raw)
	}
	return trimmed, nil
}

// CoerceFee coerces an amount that is sent without passing the prize rules, such as the
// copilot fee, the review cost or the checkpoint amount. It is capped at MaxPrizeAmount.
func CoerceFee(raw string) (string, error) {
	v, err := CoerceCurrency(raw)
	if err != nil || v == "" {
		return v, err
	}
	if n, _ := strconv.Atoi(v); n > MaxPrizeAmount {
		return "", fmt.Errorf("%s exceeds %d", v, MaxPrizeAmount)
	}
	return v, nil
}

// CoerceInteger parses an optionally signed decimal integer. Empty input yields zero.
func CoerceInteger(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	return n, nil
}

// CoerceDate parses an RFC 3339 timestamp. Empty input yields the zero time.
func CoerceDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not an RFC 3339 timestamp", raw)
	}
	return t.UTC(), nil
}

// Checkbox groups with declared semantics.
const (
	CheckboxGroupReviewType = "reviewType"
)

// exclusiveCheckboxGroups lists groups that always behave as "choose at most one".
var exclusiveCheckboxGroups = map[string][]string{
	CheckboxGroupReviewType: {ReviewTypeCommunity, ReviewTypeInternal},
}

func exclusiveSelection(group, selected string) map[string]bool {
	out := make(map[string]bool)
	for _, key := range exclusiveCheckboxGroups[group] {
		out[key] = false
	}
	out[selected] = true
	return out
}

// Metadata names and submission limit keys.
const (
	MetadataSubmissionLimit = "submissionLimit"

	SubmissionLimitCount     = "count"
	SubmissionLimitUnlimited = "unlimited"
	SubmissionLimitLimit     = "limit"
)

// DefaultMetadataNames is the metadata vocabulary used when reference data does not
// declare one.
var DefaultMetadataNames = []string{
	MetadataSubmissionLimit,
	"allowStockArt",
	"drPoints",
	"submissionsViewable",
	"effortHoursEstimate",
}

func parseTruthy(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
