package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Prize set kinds.
const (
	PrizeSetChallenge  = "Challenge prizes"
	PrizeSetCopilot    = "Copilot payment"
	PrizeSetReviewer   = "Reviewer payment"
	PrizeSetCheckpoint = "Checkpoint prizes"
)

// Review types.
const (
	ReviewTypeCommunity = "community"
	ReviewTypeInternal  = "internal"
)

// Resource role names resolved through ReferenceData.ResourceRoles.
const (
	RoleCopilot  = "Copilot"
	RoleReviewer = "Reviewer"
)

// Template names used when no template is associated with a challenge type.
const (
	TemplateStandardDevelopment = "Standard Development"
	TemplateStandardCode        = "Standard Code"
)

// DescriptionFormatMarkdown is the default description format of new drafts.
const DescriptionFormatMarkdown = "markdown"

// DefaultCurrency is the currency recorded on prizes entered through the editor.
const DefaultCurrency = "USD"

// MaxPrizeAmount is the largest accepted prize value.
const MaxPrizeAmount = 1000000

// MaxCheckpointPrizes is the largest number of checkpoint prizes a draft may offer.
const MaxCheckpointPrizes = 10

var knownPrizeSets = map[string]bool{
	PrizeSetChallenge:  true,
	PrizeSetCopilot:    true,
	PrizeSetReviewer:   true,
	PrizeSetCheckpoint: true,
}

// Prize is a single prize as entered by the user. Value holds the digits typed so far.
type Prize struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// PrizeSet is an ordered list of prizes of one kind.
type PrizeSet struct {
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Prizes      []Prize `json:"prizes"`
}

// CheckpointPrizes describes the checkpoint prize set as a count and a per-prize amount.
type CheckpointPrizes struct {
	CheckNumber int    `json:"checkNumber"`
	CheckAmount string `json:"checkAmount"`
}

// Phase is one entry of a draft's phase schedule.
type Phase struct {
	PhaseID  string `json:"phaseId"`
	Duration int    `json:"duration"`
}

// Draft is the locally editable working copy of a challenge.
type Draft struct {
	ID                 string                     `json:"id,omitempty"`
	Name               string                     `json:"name"`
	TrackID            string                     `json:"trackId"`
	TypeID             string                     `json:"typeId"`
	Description        string                     `json:"description"`
	PrivateDescription string                     `json:"privateDescription"`
	DescriptionFormat  string                     `json:"descriptionFormat"`
	Tags               []string                   `json:"tags"`
	PrizeSets          []PrizeSet                 `json:"prizeSets"`
	ReviewCost         string                     `json:"reviewCost"`
	CopilotFee         string                     `json:"copilotFee"`
	CheckpointPrizes   CheckpointPrizes           `json:"checkpointPrizes"`
	Phases             []Phase                    `json:"phases"`
	Groups             []string                   `json:"groups"`
	Terms              []string                   `json:"terms"`
	Copilot            string                     `json:"copilot"`
	Reviewer           string                     `json:"reviewer"`
	TimelineTemplateID string                     `json:"timelineTemplateId"`
	Status             Status                     `json:"status"`
	Metadata           map[string]string          `json:"metadata"`
	ReviewType         string                     `json:"reviewType"`
	Attachments        []string                   `json:"attachments"`
	FileTypes          []string                   `json:"fileTypes"`
	Checkboxes         map[string]map[string]bool `json:"checkboxes"`
	StartDate          time.Time                  `json:"startDate"`
	ProjectID          int                        `json:"projectId"`
	AdvancedSettings   bool                       `json:"advancedSettings"`
	SubmitTriggered    bool                       `json:"submitTriggered"`
}

// Clone returns a deep copy of the draft.
func (d Draft) Clone() Draft {
	out := d
	out.Tags = cloneStrings(d.Tags)
	out.Groups = cloneStrings(d.Groups)
	out.Terms = cloneStrings(d.Terms)
	out.Attachments = cloneStrings(d.Attachments)
	out.FileTypes = cloneStrings(d.FileTypes)
	if d.PrizeSets != nil {
		out.PrizeSets = make([]PrizeSet, len(d.PrizeSets))
		for i, ps := range d.PrizeSets {
			out.PrizeSets[i] = ps
			if ps.Prizes != nil {
				out.PrizeSets[i].Prizes = append([]Prize{}, ps.Prizes...)
			}
		}
	}
	if d.Phases != nil {
		out.Phases = append([]Phase{}, d.Phases...)
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	if d.Checkboxes != nil {
		out.Checkboxes = make(map[string]map[string]bool, len(d.Checkboxes))
		for group, keys := range d.Checkboxes {
			inner := make(map[string]bool, len(keys))
			for k, v := range keys {
				inner[k] = v
			}
			out.Checkboxes[group] = inner
		}
	}
	return out
}

// IsPersisted reports whether the draft has a server identity.
func (d Draft) IsPersisted() bool {
	return d.ID != ""
}

// PrimaryPrizes returns the prizes of the first Challenge prizes set.
func (d Draft) PrimaryPrizes() ([]Prize, bool) {
	for _, ps := range d.PrizeSets {
		if ps.Type == PrizeSetChallenge {
			return ps.Prizes, true
		}
	}
	return nil, false
}

// HasNDA reports whether the NDA term is in the term list.
func (d Draft) HasNDA(ndaTermID string) bool {
	return ndaTermID != "" && containsString(d.Terms, ndaTermID)
}

// MetadataEntry is one name/value metadata pair on the wire.
type MetadataEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Legacy carries fields the persistence service keeps under the legacy object.
type Legacy struct {
	ReviewType string `json:"reviewType,omitempty"`
}

// WirePrize is a prize as stored by the persistence service.
type WirePrize struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

// WirePrizeSet is a prize set as stored by the persistence service.
type WirePrizeSet struct {
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Prizes      []WirePrize `json:"prizes"`
}

// Challenge is the server record exchanged with the persistence service.
type Challenge struct {
	ID                 string          `json:"id,omitempty"`
	Name               string          `json:"name"`
	TrackID            string          `json:"trackId"`
	TypeID             string          `json:"typeId"`
	Description        string          `json:"description"`
	PrivateDescription string          `json:"privateDescription,omitempty"`
	DescriptionFormat  string          `json:"descriptionFormat,omitempty"`
	Tags               []string        `json:"tags"`
	PrizeSets          []WirePrizeSet  `json:"prizeSets"`
	Phases             []Phase         `json:"phases"`
	Groups             []string        `json:"groups"`
	Terms              []string        `json:"terms"`
	TimelineTemplateID string          `json:"timelineTemplateId,omitempty"`
	Status             Status          `json:"status"`
	Metadata           []MetadataEntry `json:"metadata"`
	Legacy             Legacy          `json:"legacy"`
	AttachmentIDs      []string        `json:"attachmentIds,omitempty"`
	FileTypes          []string        `json:"fileTypes,omitempty"`
	StartDate          *time.Time      `json:"startDate,omitempty"`
	ProjectID          int             `json:"projectId,omitempty"`
}

// Snapshot is the last known persisted copy of a challenge plus its resolved role assignees.
type Snapshot struct {
	Challenge Challenge `json:"challenge"`
	Copilot   string    `json:"copilot"`
	Reviewer  string    `json:"reviewer"`
}

// ResourceAssignment binds a member to a role on a challenge.
type ResourceAssignment struct {
	ChallengeID  string `json:"challengeId"`
	RoleID       string `json:"roleId"`
	MemberHandle string `json:"memberHandle"`
}

// Patch is a partial update payload keyed by wire field name.
type Patch map[string]interface{}

// Keys returns the patch keys in sorted order.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToChallenge collects the draft into the payload sent on a full commit. It fails when an
// amount cannot be represented on the wire.
func (d Draft) ToChallenge() (Challenge, error) {
	prizeSets, err := d.collectPrizeSets()
	if err != nil {
		return Challenge{}, err
	}
	c := Challenge{
		ID:                 d.ID,
		Name:               d.Name,
		TrackID:            d.TrackID,
		TypeID:             d.TypeID,
		Description:        d.Description,
		PrivateDescription: d.PrivateDescription,
		DescriptionFormat:  d.DescriptionFormat,
		Tags:               nonNilStrings(d.Tags),
		PrizeSets:          prizeSets,
		Phases:             append([]Phase{}, d.Phases...),
		Groups:             nonNilStrings(d.Groups),
		Terms:              nonNilStrings(d.Terms),
		TimelineTemplateID: d.TimelineTemplateID,
		Status:             d.Status,
		Metadata:           d.collectMetadata(),
		Legacy:             Legacy{ReviewType: d.ReviewType},
		AttachmentIDs:      cloneStrings(d.Attachments),
		FileTypes:          cloneStrings(d.FileTypes),
		ProjectID:          d.ProjectID,
	}
	if !d.StartDate.IsZero() {
		start := d.StartDate.UTC()
		c.StartDate = &start
	}
	return c, nil
}

func (d Draft) collectPrizeSets() ([]WirePrizeSet, error) {
	sets := make([]WirePrizeSet, 0, len(d.PrizeSets)+3)
	for i, ps := range d.PrizeSets {
		if !knownPrizeSets[ps.Type] {
			continue
		}
		switch ps.Type {
		case PrizeSetCopilot, PrizeSetReviewer, PrizeSetCheckpoint:
			// carried by the dedicated draft fields
			continue
		}
		wire, err := toWirePrizeSet(i, ps)
		if err != nil {
			return nil, err
		}
		sets = append(sets, wire)
	}
	if n := d.CheckpointPrizes.CheckNumber; n > 0 {
		if n > MaxCheckpointPrizes {
			return nil, invalidValue("checkpointPrizes.checkNumber", "collect", fmt.Errorf("%d exceeds %d", n, MaxCheckpointPrizes))
		}
		amount, err := prizeValue("checkpointPrizes.checkAmount", d.CheckpointPrizes.CheckAmount)
		if err != nil {
			return nil, err
		}
		cp := WirePrizeSet{Type: PrizeSetCheckpoint, Prizes: make([]WirePrize, n)}
		for i := range cp.Prizes {
			cp.Prizes[i] = WirePrize{Type: DefaultCurrency, Value: amount}
		}
		sets = append(sets, cp)
	}
	for _, fee := range []struct{ kind, field, value string }{
		{PrizeSetCopilot, "copilotFee", d.CopilotFee},
		{PrizeSetReviewer, "reviewCost", d.ReviewCost},
	} {
		if fee.value == "" {
			continue
		}
		amount, err := prizeValue(fee.field, fee.value)
		if err != nil {
			return nil, err
		}
		sets = append(sets, WirePrizeSet{Type: fee.kind, Prizes: []WirePrize{{Type: DefaultCurrency, Value: amount}}})
	}
	return sets, nil
}

func (d Draft) collectMetadata() []MetadataEntry {
	names := make([]string, 0, len(d.Metadata))
	for name := range d.Metadata {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]MetadataEntry, 0, len(names))
	for _, name := range names {
		out = append(out, MetadataEntry{Name: name, Value: d.Metadata[name]})
	}
	return out
}

func toWirePrizeSet(index int, ps PrizeSet) (WirePrizeSet, error) {
	out := WirePrizeSet{Type: ps.Type, Description: ps.Description, Prizes: make([]WirePrize, 0, len(ps.Prizes))}
	for i, p := range ps.Prizes {
		currency := p.Type
		if currency == "" {
			currency = DefaultCurrency
		}
		v, err := prizeValue(fmt.Sprintf("prizeSets.%d.prizes.%d.value", index, i), p.Value)
		if err != nil {
			return WirePrizeSet{}, err
		}
		out.Prizes = append(out.Prizes, WirePrize{Type: currency, Value: v})
	}
	return out, nil
}

// prizeValue converts a stored amount. An empty amount is sent as zero.
func prizeValue(field, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalidValue(field, "collect", err)
	}
	return n, nil
}

// FromChallenge converts a server record into a draft. Prize sets carried by dedicated
// draft fields are split out; unknown prize set kinds are dropped.
func FromChallenge(c Challenge, copilot, reviewer string) Draft {
	d := Draft{
		ID:                 c.ID,
		Name:               c.Name,
		TrackID:            c.TrackID,
		TypeID:             c.TypeID,
		Description:        c.Description,
		PrivateDescription: c.PrivateDescription,
		DescriptionFormat:  c.DescriptionFormat,
		Tags:               cloneStrings(c.Tags),
		Groups:             cloneStrings(c.Groups),
		Terms:              cloneStrings(c.Terms),
		Copilot:            copilot,
		Reviewer:           reviewer,
		TimelineTemplateID: c.TimelineTemplateID,
		Status:             c.Status,
		ReviewType:         c.Legacy.ReviewType,
		Attachments:        cloneStrings(c.AttachmentIDs),
		FileTypes:          cloneStrings(c.FileTypes),
		ProjectID:          c.ProjectID,
	}
	if c.Phases != nil {
		d.Phases = append([]Phase{}, c.Phases...)
	}
	if c.StartDate != nil {
		d.StartDate = *c.StartDate
	}
	if c.Metadata != nil {
		d.Metadata = make(map[string]string, len(c.Metadata))
		for _, m := range c.Metadata {
			d.Metadata[m.Name] = m.Value
		}
	}
	if c.PrizeSets != nil {
		sets := make([]PrizeSet, 0, len(c.PrizeSets))
		for _, ws := range c.PrizeSets {
			ps := PrizeSet{Type: ws.Type, Description: ws.Description, Prizes: make([]Prize, 0, len(ws.Prizes))}
			for _, wp := range ws.Prizes {
				ps.Prizes = append(ps.Prizes, Prize{Type: wp.Type, Value: strconv.Itoa(wp.Value)})
			}
			sets = append(sets, ps)
		}
		d.PrizeSets = d.absorbPrizeSets(sets)
	}
	if d.ReviewType != "" {
		d.Checkboxes = map[string]map[string]bool{
			CheckboxGroupReviewType: exclusiveSelection(CheckboxGroupReviewType, d.ReviewType),
		}
	}
	return d
}

// absorbPrizeSets moves the copilot, reviewer and checkpoint sets into their dedicated
// fields and returns the remaining known sets in order.
func (d *Draft) absorbPrizeSets(sets []PrizeSet) []PrizeSet {
	out := make([]PrizeSet, 0, len(sets))
	for _, ps := range sets {
		switch ps.Type {
		case PrizeSetCopilot:
			if len(ps.Prizes) > 0 {
				d.CopilotFee = ps.Prizes[0].Value
			}
		case PrizeSetReviewer:
			if len(ps.Prizes) > 0 {
				d.ReviewCost = ps.Prizes[0].Value
			}
		case PrizeSetCheckpoint:
			d.CheckpointPrizes = CheckpointPrizes{CheckNumber: min(len(ps.Prizes), MaxCheckpointPrizes)}
			if len(ps.Prizes) > 0 {
				d.CheckpointPrizes.CheckAmount = ps.Prizes[0].Value
			}
		case PrizeSetChallenge:
			ps.Prizes = append([]Prize{}, ps.Prizes...)
			out = append(out, ps)
		}
	}
	return out
}

// SubmissionLimit is the decoded form of the submissionLimit metadata entry.
type SubmissionLimit struct {
	Count     string `json:"count"`
	Unlimited string `json:"unlimited"`
	Limit     string `json:"limit"`
}

// ParseSubmissionLimit decodes a submissionLimit metadata value. An empty value yields
// the zero limit.
func ParseSubmissionLimit(raw string) (SubmissionLimit, error) {
	var sl SubmissionLimit
	if raw == "" {
		return sl, nil
	}
	if err := json.Unmarshal([]byte(raw), &sl); err != nil {
		return sl, err
	}
	return sl, nil
}

// Encode returns the JSON string stored in metadata.
func (sl SubmissionLimit) Encode() string {
	b, _ := json.Marshal(sl)
	return string(b)
}

// PhaseDefinition is an entry of the global phase catalog.
type PhaseDefinition struct {
	ID       string `json:"id" yaml:"id" validate:"required"`
	Name     string `json:"name" yaml:"name" validate:"required"`
	Duration int    `json:"duration" yaml:"duration" validate:"gte=0"`
}

// TemplatePhase is a phase reference inside a timeline template.
type TemplatePhase struct {
	PhaseID       string `json:"phaseId" yaml:"phaseId" validate:"required"`
	PredecessorID string `json:"predecessor,omitempty" yaml:"predecessor,omitempty"`
}

// TimelineTemplate is an ordered reference schedule of phases.
type TimelineTemplate struct {
	ID     string          `json:"id" yaml:"id" validate:"required"`
	Name   string          `json:"name" yaml:"name" validate:"required"`
	Phases []TemplatePhase `json:"phases" yaml:"phases" validate:"dive"`
}

// ChallengeType is a challenge type reference entry.
type ChallengeType struct {
	ID           string `json:"id" yaml:"id" validate:"required"`
	Name         string `json:"name" yaml:"name" validate:"required"`
	Abbreviation string `json:"abbreviation,omitempty" yaml:"abbreviation,omitempty"`
}

// Track is a challenge track reference entry.
type Track struct {
	ID   string `json:"id" yaml:"id" validate:"required"`
	Name string `json:"name" yaml:"name" validate:"required"`
}

// ChallengeTimeline associates a challenge type with a timeline template.
type ChallengeTimeline struct {
	TypeID             string `json:"typeId" yaml:"typeId" validate:"required"`
	TrackID            string `json:"trackId,omitempty" yaml:"trackId,omitempty"`
	TimelineTemplateID string `json:"timelineTemplateId" yaml:"timelineTemplateId" validate:"required"`
	IsDefault          bool   `json:"isDefault,omitempty" yaml:"isDefault,omitempty"`
}

// ResourceRole maps a role name to its identifier in the resource service.
type ResourceRole struct {
	ID   string `json:"id" yaml:"id" validate:"required"`
	Name string `json:"name" yaml:"name" validate:"required"`
}

// TermConfig names the well-known term identifiers.
type TermConfig struct {
	DefaultID       string `json:"defaultId" yaml:"defaultId" validate:"required"`
	NDAID           string `json:"ndaId" yaml:"ndaId" validate:"required,nefield=DefaultID"`
	SubmitterRoleID string `json:"submitterRoleId,omitempty" yaml:"submitterRoleId,omitempty"`
}

// ReferenceData is the read-only catalog the engine consults. The engine never mutates it.
type ReferenceData struct {
	Phases    []PhaseDefinition   `json:"phases" yaml:"phases" validate:"dive"`
	Templates []TimelineTemplate  `json:"timelineTemplates" yaml:"timelineTemplates" validate:"dive"`
	Types     []ChallengeType     `json:"challengeTypes" yaml:"challengeTypes" validate:"dive"`
	Tracks    []Track             `json:"challengeTracks" yaml:"challengeTracks" validate:"dive"`
	Timelines []ChallengeTimeline `json:"challengeTimelines" yaml:"challengeTimelines" validate:"dive"`
	Roles     []ResourceRole      `json:"resourceRoles" yaml:"resourceRoles" validate:"dive"`
	Terms     TermConfig          `json:"terms" yaml:"terms"`
	Metadata  []string            `json:"metadataNames,omitempty" yaml:"metadataNames,omitempty"`
}

// Template returns the timeline template with the given id.
func (r *ReferenceData) Template(id string) (TimelineTemplate, bool) {
	if r == nil || id == "" {
		return TimelineTemplate{}, false
	}
	for _, t := range r.Templates {
		if t.ID == id {
			return t, true
		}
	}
	return TimelineTemplate{}, false
}

// TemplateByName returns the first timeline template with the given name.
func (r *ReferenceData) TemplateByName(name string) (TimelineTemplate, bool) {
	if r == nil {
		return TimelineTemplate{}, false
	}
	for _, t := range r.Templates {
		if t.Name == name {
			return t, true
		}
	}
	return TimelineTemplate{}, false
}

// RoleID resolves a resource role name to its identifier.
func (r *ReferenceData) RoleID(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, role := range r.Roles {
		if role.Name == name {
			return role.ID, true
		}
	}
	return "", false
}

// RoleName resolves a resource role identifier to its name.
func (r *ReferenceData) RoleName(id string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, role := range r.Roles {
		if role.ID == id {
			return role.Name, true
		}
	}
	return "", false
}

// ReferenceSource supplies the current reference data. Implementations may swap the
// data at any time; callers must not retain the returned pointer across operations.
type ReferenceSource interface {
	Reference() *ReferenceData
}

// StaticReference is a ReferenceSource that never changes.
type StaticReference struct {
	Data *ReferenceData
}

// Reference returns the wrapped reference data.
func (s StaticReference) Reference() *ReferenceData {
	return s.Data
}

// Checkpoint is a durable copy of a session's draft state.
type Checkpoint struct {
	SessionID   string    `json:"sessionId"`
	ChallengeID string    `json:"challengeId"`
	Draft       Draft     `json:"draft"`
	Snapshot    *Snapshot `json:"snapshot,omitempty"`
	LastSaved   time.Time `json:"lastSaved"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EventType identifies engine events delivered to an EventPublisher.
type EventType string

const (
	EventDraftChanged    EventType = "draft.changed"
	EventHydrated        EventType = "draft.hydrated"
	EventPatchSent       EventType = "patch.sent"
	EventPatchFailed     EventType = "patch.failed"
	EventPatchSkipped    EventType = "patch.skipped"
	EventCommitSucceeded EventType = "commit.succeeded"
	EventCommitFailed    EventType = "commit.failed"
	EventResourceChanged EventType = "resource.changed"
	EventNotice          EventType = "notice"
	EventCreated         EventType = "draft.created"
	EventLoadFailed      EventType = "draft.load_failed"
)

// Event is a notification emitted by a session.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"sessionId"`
	Field     string                 `json:"field,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Level     string                 `json:"level"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NoticeLevel is the severity of a user-visible notice.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a user-visible message raised by the engine.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Field   string      `json:"field,omitempty"`
	Message string      `json:"message"`
	Time    time.Time   `json:"time"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string{}, in...)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
