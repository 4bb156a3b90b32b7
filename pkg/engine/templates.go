package engine

import (
	"fmt"
)

// AvailableTemplates returns the templates associated with a challenge type, in catalog order.
func AvailableTemplates(ref *ReferenceData, typeID string) []TimelineTemplate {
	if ref == nil || typeID == "" {
		return nil
	}
	associated := make(map[string]bool)
	for _, tl := range ref.Timelines {
		if tl.TypeID == typeID {
			associated[tl.TimelineTemplateID] = true
		}
	}
	var out []TimelineTemplate
	for _, t := range ref.Templates {
		if associated[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// IsTemplateAvailable reports whether templateID is associated with typeID.
func IsTemplateAvailable(ref *ReferenceData, typeID, templateID string) bool {
	for _, t := range AvailableTemplates(ref, typeID) {
		if t.ID == templateID {
			return true
		}
	}
	return false
}

// PhasesFor maps a template's ordered phase references onto the phase catalog.
// Only the catalog duration is copied and the catalog id becomes the phaseId.
// References missing from the catalog are skipped.
func PhasesFor(t TimelineTemplate, catalog []PhaseDefinition) []Phase {
	byID := make(map[string]PhaseDefinition, len(catalog))
	for _, p := range catalog {
		byID[p.ID] = p
	}
	out := make([]Phase, 0, len(t.Phases))
	for _, ref := range t.Phases {
		def, ok := byID[ref.PhaseID]
		if !ok {
			continue
		}
		out = append(out, Phase{PhaseID: def.ID, Duration: def.Duration})
	}
	return out
}

// ResolveTemplate looks up a template by id.
func ResolveTemplate(ref *ReferenceData, id string) (TimelineTemplate, error) {
	t, ok := ref.Template(id)
	if !ok {
		return TimelineTemplate{}, NewPermanentError(fmt.Sprintf("timeline template %q not found", id), nil).
			WithCode(ErrCodeUnknownTemplate).
			WithField("timelineTemplateId")
	}
	return t, nil
}

// DefaultTemplate picks the template for a new draft of the given type: the first
// available template, else the "Standard Development" template.
func DefaultTemplate(ref *ReferenceData, typeID string) (TimelineTemplate, error) {
	if available := AvailableTemplates(ref, typeID); len(available) > 0 {
		return available[0], nil
	}
	if t, ok := ref.TemplateByName(TemplateStandardDevelopment); ok {
		return t, nil
	}
	return TimelineTemplate{}, NewPermanentError(fmt.Sprintf("no timeline template available for type %q", typeID), nil).
		WithCode(ErrCodeUnknownTemplate).
		WithField("timelineTemplateId")
}

// HydrationTemplate picks the template used to rebuild the phases of a hydrated draft
// that has none: the active template when it resolves, else "Standard Code".
func HydrationTemplate(ref *ReferenceData, activeID string) (TimelineTemplate, bool) {
	if t, ok := ref.Template(activeID); ok {
		return t, true
	}
	return ref.TemplateByName(TemplateStandardCode)
}

// templatePhaseIDs returns the set of phase ids referenced by a template.
func templatePhaseIDs(t TimelineTemplate) map[string]bool {
	ids := make(map[string]bool, len(t.Phases))
	for _, p := range t.Phases {
		ids[p.PhaseID] = true
	}
	return ids
}
