package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Store owns the canonical in-memory draft. Every operation derives a new draft from the
// current one and swaps it in only when the whole operation succeeded, so a failed
// operation leaves the previous draft untouched.
//
// Store is not safe for concurrent use; Session serializes access to it.
type Store struct {
	ref      ReferenceSource
	draft    Draft
	onChange func(syncKey string)

	// phasesGen increments on every local edit of the phase list.
	phasesGen uint64

	// exclusive remembers checkbox groups that have been edited as exclusive groups.
	exclusive map[string]bool
}

// NewStore creates a store seeded with the given draft.
func NewStore(ref ReferenceSource, initial Draft) *Store {
	if ref == nil {
		ref = StaticReference{}
	}
	return &Store{ref: ref, draft: initial.Clone(), exclusive: make(map[string]bool)}
}

// OnChange registers the callback invoked with the sync key of every changed field.
// Fields that are never auto-synced do not invoke it.
func (s *Store) OnChange(fn func(syncKey string)) {
	s.onChange = fn
}

// Draft returns a copy of the current draft.
func (s *Store) Draft() Draft {
	return s.draft.Clone()
}

// PhasesGeneration returns a counter that changes whenever the phase list is edited locally.
func (s *Store) PhasesGeneration() uint64 {
	return s.phasesGen
}

// Replace swaps the whole draft without notifying the scheduler. Used for hydration.
func (s *Store) Replace(d Draft) {
	s.draft = d.Clone()
	s.phasesGen++
}

func (s *Store) reference() *ReferenceData {
	return s.ref.Reference()
}

// apply runs fn on a copy of the draft and commits the copy when fn succeeds.
func (s *Store) apply(operation, field string, fn func(d *Draft) (bool, error), keys ...string) error {
	if s.draft.Status.IsTerminal() {
		return NewValidationError("challenge is read-only", nil).
			WithCode(ErrCodeTransition).
			WithField(field).
			WithOperation(operation)
	}
	next := s.draft.Clone()
	changed, err := fn(&next)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.draft = next
	for _, key := range keys {
		if key == SyncKeyPhases || key == SyncKeyResetPhases {
			s.phasesGen++
		}
		if key != "" && s.onChange != nil {
			s.onChange(key)
		}
	}
	return nil
}

// SetScalar assigns a single-valued field after coercing the raw input per its kind.
func (s *Store) SetScalar(field, value string) error {
	spec, ok := LookupField(field)
	if !ok || spec.ReadOnly || spec.Kind == KindList || spec.Kind == KindStructured {
		return unknownField(field, "setScalar")
	}
	switch field {
	case "timelineTemplateId":
		return s.ResetPhases(value)
	case "typeId":
		return s.setType(value)
	case "reviewType":
		return s.setReviewType(value)
	case "copilot":
		return s.SelectCopilot(value)
	case "reviewer":
		return s.SetReviewer(value)
	}

	return s.apply("setScalar", field, func(d *Draft) (bool, error) {
		switch spec.Kind {
		case KindCurrency:
			v, err := CoerceFee(value)
			if err != nil {
				return false, invalidValue(field, "setScalar", err)
			}
			return assignString(d, field, v), nil
		case KindInteger:
			n, err := CoerceInteger(value)
			if err != nil {
				return false, invalidValue(field, "setScalar", err)
			}
			changed := d.ProjectID != n
			d.ProjectID = n
			return changed, nil
		case KindDate:
			t, err := CoerceDate(value)
			if err != nil {
				return false, invalidValue(field, "setScalar", err)
			}
			changed := !d.StartDate.Equal(t)
			d.StartDate = t
			return changed, nil
		default:
			return assignString(d, field, value), nil
		}
	}, spec.SyncKey)
}

func assignString(d *Draft, field, value string) bool {
	var target *string
	switch field {
	case "name":
		target = &d.Name
	case "trackId":
		target = &d.TrackID
	case "typeId":
		target = &d.TypeID
	case "description":
		target = &d.Description
	case "privateDescription":
		target = &d.PrivateDescription
	case "descriptionFormat":
		target = &d.DescriptionFormat
	case "reviewCost":
		target = &d.ReviewCost
	case "copilotFee":
		target = &d.CopilotFee
	case "reviewer":
		target = &d.Reviewer
	default:
		return false
	}
	if *target == value {
		return false
	}
	*target = value
	return true
}

// setType changes the challenge type. When the active template is not available for the
// new type the phases are reset to the default template of that type.
func (s *Store) setType(typeID string) error {
	ref := s.reference()
	var (
		reset    bool
		template TimelineTemplate
	)
	if typeID != "" && !IsTemplateAvailable(ref, typeID, s.draft.TimelineTemplateID) {
		if t, err := DefaultTemplate(ref, typeID); err == nil {
			reset = true
			template = t
		}
	}
	keys := []string{"typeId"}
	if reset {
		keys = append(keys, SyncKeyResetPhases)
	}
	return s.apply("setScalar", "typeId", func(d *Draft) (bool, error) {
		if d.TypeID == typeID {
			return false, nil
		}
		d.TypeID = typeID
		if reset {
			d.TimelineTemplateID = template.ID
			d.Phases = PhasesFor(template, ref.Phases)
		}
		return true, nil
	}, keys...)
}

func (s *Store) setReviewType(value string) error {
	if !isReviewType(value) {
		return invalidValue("reviewType", "setScalar", fmt.Errorf("unknown review type %q", value))
	}
	return s.apply("setScalar", "reviewType", func(d *Draft) (bool, error) {
		if d.ReviewType == value {
			return false, nil
		}
		d.ReviewType = value
		setCheckboxGroup(d, CheckboxGroupReviewType, exclusiveSelection(CheckboxGroupReviewType, value))
		return true, nil
	}, SyncKeyReviewType)
}

func isReviewType(v string) bool {
	return v == ReviewTypeCommunity || v == ReviewTypeInternal
}

func setCheckboxGroup(d *Draft, group string, values map[string]bool) {
	if d.Checkboxes == nil {
		d.Checkboxes = make(map[string]map[string]bool)
	}
	d.Checkboxes[group] = values
}

// SetPath assigns a nested value. Supported paths:
//
//	prizeSets.N.prizes.M.value
//	phases.N.duration
//	checkpointPrizes.checkNumber
//	checkpointPrizes.checkAmount
//	metadata.<name>[.<key>]
//
// A path without dots is treated as SetScalar.
func (s *Store) SetPath(path, value string) error {
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return s.SetScalar(path, value)
	}
	switch parts[0] {
	case "prizeSets":
		if len(parts) != 5 || parts[2] != "prizes" || parts[4] != "value" {
			return unknownField(path, "setPath")
		}
		setIdx, err1 := strconv.Atoi(parts[1])
		prizeIdx, err2 := strconv.Atoi(parts[3])
		if err1 != nil || err2 != nil {
			return unknownField(path, "setPath")
		}
		return s.setPrizeValue(path, setIdx, prizeIdx, value)
	case "phases":
		if len(parts) != 3 || parts[2] != "duration" {
			return unknownField(path, "setPath")
		}
		idx, err := strconv.Atoi(parts[1])
		if err != nil {
			return unknownField(path, "setPath")
		}
		n, err := CoerceInteger(value)
		if err != nil {
			return invalidValue(path, "setPath", err)
		}
		return s.UpdatePhase(idx, n)
	case "checkpointPrizes":
		if len(parts) != 2 {
			return unknownField(path, "setPath")
		}
		return s.setCheckpoint(path, parts[1], value)
	case "metadata":
		switch len(parts) {
		case 2:
			return s.SetMetadataValue(parts[1], value, "")
		case 3:
			return s.SetMetadataValue(parts[1], value, parts[2])
		}
	}
	return unknownField(path, "setPath")
}

func (s *Store) setPrizeValue(path string, setIdx, prizeIdx int, raw string) error {
	v, err := CoerceCurrency(raw)
	if err != nil {
		return invalidValue(path, "setPath", err)
	}
	return s.apply("setPath", path, func(d *Draft) (bool, error) {
		if setIdx < 0 || setIdx >= len(d.PrizeSets) || prizeIdx < 0 || prizeIdx >= len(d.PrizeSets[setIdx].Prizes) {
			return false, indexOutOfRange(path, "setPath")
		}
		p := &d.PrizeSets[setIdx].Prizes[prizeIdx]
		if p.Value == v {
			return false, nil
		}
		p.Value = v
		return true, nil
	}, SyncKeyPrizeSets)
}

func (s *Store) setCheckpoint(path, key, raw string) error {
	return s.apply("setPath", path, func(d *Draft) (bool, error) {
		switch key {
		case "checkNumber":
			n, err := CoerceInteger(raw)
			if err == nil && (n < 0 || n > MaxCheckpointPrizes) {
				err = fmt.Errorf("%d is not between 0 and %d", n, MaxCheckpointPrizes)
			}
			if err != nil {
				return false, invalidValue(path, "setPath", err)
			}
			if d.CheckpointPrizes.CheckNumber == n {
				return false, nil
			}
			d.CheckpointPrizes.CheckNumber = n
		case "checkAmount":
			v, err := CoerceFee(raw)
			if err != nil {
				return false, invalidValue(path, "setPath", err)
			}
			if d.CheckpointPrizes.CheckAmount == v {
				return false, nil
			}
			d.CheckpointPrizes.CheckAmount = v
		default:
			return false, unknownField(path, "setPath")
		}
		return true, nil
	}, SyncKeyPrizeSets)
}

func indexOutOfRange(field, operation string) *EngineError {
	return NewValidationError("index out of range", nil).
		WithCode(ErrCodeInvalidValue).
		WithField(field).
		WithOperation(operation)
}

// SetCheckbox sets the checkbox at path "group.key". When exclusiveGroup is set, or the
// group is declared exclusive, every sibling key in the group is cleared before the
// target is set. Unchecking a review type is ignored: one review type is always selected.
func (s *Store) SetCheckbox(path string, checked bool, exclusiveGroup string) error {
	group, key, ok := strings.Cut(path, ".")
	if !ok || group == "" || key == "" {
		return unknownField(path, "setCheckbox")
	}
	if exclusiveGroup != "" && exclusiveGroup != group {
		return invalidValue(path, "setCheckbox", fmt.Errorf("exclusive group %q does not contain %q", exclusiveGroup, path))
	}
	declared, isDeclared := exclusiveCheckboxGroups[group]
	if isDeclared && !containsString(declared, key) {
		return unknownField(path, "setCheckbox")
	}
	exclusive := isDeclared || exclusiveGroup != "" || s.exclusive[group]

	if group == CheckboxGroupReviewType {
		if !checked {
			return nil
		}
		return s.setReviewType(key)
	}

	err := s.apply("setCheckbox", path, func(d *Draft) (bool, error) {
		current := d.Checkboxes[group]
		next := make(map[string]bool, len(current)+1)
		for k, v := range current {
			if exclusive && checked {
				next[k] = false
			} else {
				next[k] = v
			}
		}
		next[key] = checked
		if equalBoolMaps(current, next) {
			return false, nil
		}
		setCheckboxGroup(d, group, next)
		return true, nil
	})
	if err == nil && exclusiveGroup != "" {
		// later calls without a group keep the group exclusive
		s.exclusive[group] = true
	}
	return err
}

func equalBoolMaps(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// SetMetadataValue sets a metadata entry. For the submission limit entry the value is a
// JSON object with count, unlimited and limit keys addressed by subPath:
// setting count forces limit=true and unlimited=false, setting unlimited to a truthy
// value forces limit=false and count="". Every other entry stores the value as is.
func (s *Store) SetMetadataValue(name, value, subPath string) error {
	field := "metadata." + name
	if !s.isMetadataName(name) {
		return unknownField(field, "setMetadataValue")
	}
	return s.apply("setMetadataValue", field, func(d *Draft) (bool, error) {
		encoded := value
		if name == MetadataSubmissionLimit {
			sl, err := ParseSubmissionLimit(d.Metadata[name])
			if err != nil {
				return false, invalidValue(field, "setMetadataValue", err)
			}
			sl, err = applySubmissionLimit(sl, subPath, value)
			if err != nil {
				return false, invalidValue(field, "setMetadataValue", err)
			}
			encoded = sl.Encode()
		} else if subPath != "" {
			return false, unknownField(field+"."+subPath, "setMetadataValue")
		}
		if d.Metadata == nil {
			d.Metadata = make(map[string]string)
		}
		if cur, ok := d.Metadata[name]; ok && cur == encoded {
			return false, nil
		}
		d.Metadata[name] = encoded
		return true, nil
	}, SyncKeyMetadata)
}

func applySubmissionLimit(sl SubmissionLimit, key, value string) (SubmissionLimit, error) {
	// a fresh selection starts from everything unselected
	if sl.Unlimited == "true" {
		sl.Unlimited = "false"
	}
	if sl.Limit == "true" {
		sl.Limit = "false"
	}
	switch key {
	case SubmissionLimitCount:
		sl.Count = value
		sl.Limit = "true"
		sl.Unlimited = "false"
	case SubmissionLimitUnlimited:
		sl.Unlimited = value
		if parseTruthy(value) {
			sl.Limit = "false"
			sl.Count = ""
		}
	case SubmissionLimitLimit:
		sl.Limit = value
	default:
		return sl, fmt.Errorf("unknown submission limit key %q", key)
	}
	return sl, nil
}

func (s *Store) isMetadataName(name string) bool {
	names := DefaultMetadataNames
	if ref := s.reference(); ref != nil && len(ref.Metadata) > 0 {
		names = ref.Metadata
	}
	return containsString(names, name)
}

// SetMultiSelect replaces a list field with the comma separated values of csv.
func (s *Store) SetMultiSelect(field, csv string) error {
	if field != "tags" && field != "groups" && field != "fileTypes" {
		return unknownField(field, "setMultiSelect")
	}
	values := splitCSV(csv)
	return s.apply("setMultiSelect", field, func(d *Draft) (bool, error) {
		target := listField(d, field)
		if equalStrings(*target, values) {
			return false, nil
		}
		*target = values
		if field == "groups" && len(values) > 0 {
			d.AdvancedSettings = true
		}
		return true, nil
	}, SyncKeyFor(field))
}

func splitCSV(csv string) []string {
	out := []string{}
	for _, v := range strings.Split(csv, ",") {
		v = strings.TrimSpace(v)
		if v != "" && !containsString(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func listField(d *Draft, field string) *[]string {
	switch field {
	case "tags":
		return &d.Tags
	case "groups":
		return &d.Groups
	case "attachments":
		return &d.Attachments
	case "fileTypes":
		return &d.FileTypes
	}
	return nil
}

// AppendItem appends value to a list field. Tags, groups and file types behave as sets.
// A field of the form "prizeSets.N.prizes" appends a prize with the given amount.
func (s *Store) AppendItem(field, value string) error {
	if setIdx, ok := prizeListPath(field); ok {
		v, err := CoerceCurrency(value)
		if err != nil {
			return invalidValue(field, "appendItem", err)
		}
		return s.apply("appendItem", field, func(d *Draft) (bool, error) {
			if setIdx < 0 || setIdx >= len(d.PrizeSets) {
				return false, indexOutOfRange(field, "appendItem")
			}
			d.PrizeSets[setIdx].Prizes = append(d.PrizeSets[setIdx].Prizes, Prize{Type: DefaultCurrency, Value: v})
			return true, nil
		}, SyncKeyPrizeSets)
	}
	spec, ok := LookupField(field)
	if !ok || spec.Kind != KindList {
		return unknownField(field, "appendItem")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return invalidValue(field, "appendItem", fmt.Errorf("empty value"))
	}
	return s.apply("appendItem", field, func(d *Draft) (bool, error) {
		target := listField(d, field)
		if field != "attachments" && containsString(*target, value) {
			return false, nil
		}
		*target = append(*target, value)
		if field == "groups" {
			d.AdvancedSettings = true
		}
		return true, nil
	}, spec.SyncKey)
}

// RemoveItem removes the element at index from a list field, or the prize at index of
// a "prizeSets.N.prizes" list.
func (s *Store) RemoveItem(field string, index int) error {
	if setIdx, ok := prizeListPath(field); ok {
		return s.apply("removeItem", field, func(d *Draft) (bool, error) {
			if setIdx < 0 || setIdx >= len(d.PrizeSets) || index < 0 || index >= len(d.PrizeSets[setIdx].Prizes) {
				return false, indexOutOfRange(field, "removeItem")
			}
			prizes := d.PrizeSets[setIdx].Prizes
			d.PrizeSets[setIdx].Prizes = append(prizes[:index:index], prizes[index+1:]...)
			return true, nil
		}, SyncKeyPrizeSets)
	}
	spec, ok := LookupField(field)
	if !ok || spec.Kind != KindList {
		return unknownField(field, "removeItem")
	}
	return s.apply("removeItem", field, func(d *Draft) (bool, error) {
		target := listField(d, field)
		if index < 0 || index >= len(*target) {
			return false, indexOutOfRange(field, "removeItem")
		}
		list := *target
		*target = append(list[:index:index], list[index+1:]...)
		return true, nil
	}, spec.SyncKey)
}

func prizeListPath(field string) (int, bool) {
	parts := strings.Split(field, ".")
	if len(parts) != 3 || parts[0] != "prizeSets" || parts[2] != "prizes" {
		return 0, false
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// AddFileType adds a custom file type to the accepted submission file types.
func (s *Store) AddFileType(fileType string) error {
	return s.AppendItem("fileTypes", fileType)
}

// SetPrizeSets replaces the prize structure. Unknown kinds are dropped; copilot,
// reviewer and checkpoint sets are moved into their dedicated fields. Amounts are
// coerced as currency.
func (s *Store) SetPrizeSets(sets []PrizeSet) error {
	normalized := make([]PrizeSet, 0, len(sets))
	for i, ps := range sets {
		if !knownPrizeSets[ps.Type] {
			continue
		}
		out := PrizeSet{Type: ps.Type, Description: ps.Description, Prizes: make([]Prize, 0, len(ps.Prizes))}
		coerce := CoerceCurrency
		switch ps.Type {
		case PrizeSetCopilot, PrizeSetReviewer, PrizeSetCheckpoint:
			coerce = CoerceFee
		}
		if ps.Type == PrizeSetCheckpoint && len(ps.Prizes) > MaxCheckpointPrizes {
			return invalidValue(fmt.Sprintf("prizeSets.%d.prizes", i), "setPrizeSets",
				fmt.Errorf("%d checkpoint prizes exceed %d", len(ps.Prizes), MaxCheckpointPrizes))
		}
		for j, p := range ps.Prizes {
			v, err := coerce(p.Value)
			if err != nil {
				return invalidValue(fmt.Sprintf("prizeSets.%d.prizes.%d.value", i, j), "setPrizeSets", err)
			}
			currency := p.Type
			if currency == "" {
				currency = DefaultCurrency
			}
			out.Prizes = append(out.Prizes, Prize{Type: currency, Value: v})
		}
		normalized = append(normalized, out)
	}
	return s.apply("setPrizeSets", "prizeSets", func(d *Draft) (bool, error) {
		d.CopilotFee, d.ReviewCost, d.CheckpointPrizes = "", "", CheckpointPrizes{}
		d.PrizeSets = d.absorbPrizeSets(normalized)
		return true, nil
	}, SyncKeyPrizeSets)
}

// SelectCopilot sets the copilot. Selecting the current copilot again clears it.
// Copilot changes are never auto-synced.
func (s *Store) SelectCopilot(handle string) error {
	return s.apply("selectCopilot", "copilot", func(d *Draft) (bool, error) {
		if handle == d.Copilot {
			if handle == "" {
				return false, nil
			}
			d.Copilot = ""
			return true, nil
		}
		d.Copilot = handle
		return true, nil
	})
}

// SetReviewer sets the reviewer. Reviewer changes are never auto-synced.
func (s *Store) SetReviewer(handle string) error {
	return s.apply("setReviewer", "reviewer", func(d *Draft) (bool, error) {
		return assignString(d, "reviewer", strings.TrimSpace(handle)), nil
	})
}

// UpdatePhase sets the duration of the phase at index. Non-positive durations are ignored.
func (s *Store) UpdatePhase(index, duration int) error {
	if duration <= 0 {
		return nil
	}
	return s.apply("updatePhase", "phases", func(d *Draft) (bool, error) {
		if index < 0 || index >= len(d.Phases) {
			return false, indexOutOfRange("phases", "updatePhase")
		}
		if d.Phases[index].Duration == duration {
			return false, nil
		}
		d.Phases[index].Duration = duration
		return true, nil
	}, SyncKeyPhases)
}

// RemovePhase removes the phase at index.
func (s *Store) RemovePhase(index int) error {
	return s.apply("removePhase", "phases", func(d *Draft) (bool, error) {
		if index < 0 || index >= len(d.Phases) {
			return false, indexOutOfRange("phases", "removePhase")
		}
		d.Phases = append(d.Phases[:index:index], d.Phases[index+1:]...)
		return true, nil
	}, SyncKeyPhases)
}

// ResetPhases makes templateID the active template and replaces the phase list with the
// template's schedule. The backend receives a full phase replacement.
func (s *Store) ResetPhases(templateID string) error {
	ref := s.reference()
	t, err := ResolveTemplate(ref, templateID)
	if err != nil {
		return err
	}
	phases := PhasesFor(t, ref.Phases)
	return s.apply("resetPhases", "phases", func(d *Draft) (bool, error) {
		d.TimelineTemplateID = t.ID
		d.Phases = phases
		return true, nil
	}, SyncKeyResetPhases)
}

// ToggleNDA adds or removes the NDA term. The default term is present afterwards in
// either case.
func (s *Store) ToggleNDA() error {
	ref := s.reference()
	if ref == nil || ref.Terms.NDAID == "" {
		return NewPermanentError("NDA term is not configured", nil).WithField("terms").WithOperation("toggleNDA")
	}
	terms := ref.Terms
	return s.apply("toggleNDA", "terms", func(d *Draft) (bool, error) {
		if d.HasNDA(terms.NDAID) {
			d.Terms = removeString(d.Terms, terms.NDAID)
		} else {
			d.Terms = append(d.Terms, terms.NDAID)
		}
		if terms.DefaultID != "" && !containsString(d.Terms, terms.DefaultID) {
			d.Terms = append([]string{terms.DefaultID}, d.Terms...)
		}
		return true, nil
	}, SyncKeyTerms)
}

// ToggleAdvancedSettings flips the advanced settings panel. This is local state only.
func (s *Store) ToggleAdvancedSettings() error {
	return s.apply("toggleAdvancedSettings", "advancedSettings", func(d *Draft) (bool, error) {
		d.AdvancedSettings = !d.AdvancedSettings
		return true, nil
	})
}

// MarkSubmitTriggered records that a submission was attempted so field errors are shown.
func (s *Store) MarkSubmitTriggered() {
	s.draft.SubmitTriggered = true
}

// local applies a compensating or server-driven change without notifying the scheduler.
func (s *Store) local(fn func(d *Draft)) {
	next := s.draft.Clone()
	fn(&next)
	s.draft = next
}
