package engine

// NewDraftDefaults returns the defaults table used to seed new drafts and to fill the
// gaps of hydrated ones.
func NewDraftDefaults(ref *ReferenceData) Draft {
	d := Draft{
		Status:            StatusNew,
		DescriptionFormat: DescriptionFormatMarkdown,
		ReviewType:        ReviewTypeCommunity,
		Tags:              []string{},
		Groups:            []string{},
		Terms:             []string{},
		Attachments:       []string{},
		FileTypes:         []string{},
		Phases:            []Phase{},
		PrizeSets:         []PrizeSet{{Type: PrizeSetChallenge, Prizes: []Prize{}}},
		Metadata:          map[string]string{},
		Checkboxes: map[string]map[string]bool{
			CheckboxGroupReviewType: exclusiveSelection(CheckboxGroupReviewType, ReviewTypeCommunity),
		},
	}
	if ref != nil && ref.Terms.DefaultID != "" {
		d.Terms = []string{ref.Terms.DefaultID}
	}
	return d
}

// MergeWithDefaults fills every unset field of partial from defaults and returns a fully
// populated draft. Neither argument is modified. A nil slice or map is unset; an empty
// non-nil one is an explicit value and is kept.
func MergeWithDefaults(partial, defaults Draft) Draft {
	out := partial.Clone()
	def := defaults.Clone()

	if out.Name == "" {
		out.Name = def.Name
	}
	if out.TrackID == "" {
		out.TrackID = def.TrackID
	}
	if out.TypeID == "" {
		out.TypeID = def.TypeID
	}
	if out.Description == "" {
		out.Description = def.Description
	}
	if out.PrivateDescription == "" {
		out.PrivateDescription = def.PrivateDescription
	}
	if out.DescriptionFormat == "" {
		out.DescriptionFormat = def.DescriptionFormat
	}
	if out.Tags == nil {
		out.Tags = def.Tags
	}
	if out.PrizeSets == nil {
		out.PrizeSets = def.PrizeSets
	}
	if out.ReviewCost == "" {
		out.ReviewCost = def.ReviewCost
	}
	if out.CopilotFee == "" {
		out.CopilotFee = def.CopilotFee
	}
	if out.CheckpointPrizes == (CheckpointPrizes{}) {
		out.CheckpointPrizes = def.CheckpointPrizes
	}
	if out.Phases == nil {
		out.Phases = def.Phases
	}
	if out.Groups == nil {
		out.Groups = def.Groups
	}
	if out.Terms == nil {
		out.Terms = def.Terms
	}
	if out.Copilot == "" {
		out.Copilot = def.Copilot
	}
	if out.Reviewer == "" {
		out.Reviewer = def.Reviewer
	}
	if out.TimelineTemplateID == "" {
		out.TimelineTemplateID = def.TimelineTemplateID
	}
	if out.Status == "" {
		out.Status = def.Status
	}
	if out.Metadata == nil {
		out.Metadata = def.Metadata
	}
	if out.ReviewType == "" {
		out.ReviewType = def.ReviewType
	}
	if out.Attachments == nil {
		out.Attachments = def.Attachments
	}
	if out.FileTypes == nil {
		out.FileTypes = def.FileTypes
	}
	if out.Checkboxes == nil {
		out.Checkboxes = def.Checkboxes
	}
	if out.StartDate.IsZero() {
		out.StartDate = def.StartDate
	}
	if out.ProjectID == 0 {
		out.ProjectID = def.ProjectID
	}
	if !out.AdvancedSettings {
		out.AdvancedSettings = def.AdvancedSettings
	}
	return out
}
