package engine

import (
	"fmt"
)

// BuildPatch extracts the partial payload for a sync key from the draft. Phase patches
// also carry the active template id.
func BuildPatch(key string, d Draft) (Patch, error) {
	c, err := d.ToChallenge()
	if err != nil {
		return nil, err
	}
	switch key {
	case "name":
		return Patch{"name": c.Name}, nil
	case "trackId":
		return Patch{"trackId": c.TrackID}, nil
	case "typeId":
		return Patch{"typeId": c.TypeID}, nil
	case "description":
		return Patch{"description": c.Description}, nil
	case "privateDescription":
		return Patch{"privateDescription": c.PrivateDescription}, nil
	case "descriptionFormat":
		return Patch{"descriptionFormat": c.DescriptionFormat}, nil
	case "tags":
		return Patch{"tags": c.Tags}, nil
	case "attachmentIds":
		return Patch{"attachmentIds": nonNilStrings(c.AttachmentIDs)}, nil
	case "fileTypes":
		return Patch{"fileTypes": nonNilStrings(c.FileTypes)}, nil
	case SyncKeyGroups:
		return Patch{"groups": c.Groups}, nil
	case SyncKeyTerms:
		return Patch{"terms": c.Terms}, nil
	case SyncKeyPrizeSets:
		return Patch{"prizeSets": c.PrizeSets}, nil
	case SyncKeyPhases, SyncKeyResetPhases:
		return Patch{"phases": c.Phases, "timelineTemplateId": c.TimelineTemplateID}, nil
	case SyncKeyReviewType:
		return Patch{"legacy": Legacy{ReviewType: c.Legacy.ReviewType}}, nil
	case SyncKeyMetadata:
		return Patch{"metadata": c.Metadata}, nil
	case "startDate":
		return Patch{"startDate": c.StartDate}, nil
	case "projectId":
		return Patch{"projectId": c.ProjectID}, nil
	}
	return nil, NewPermanentError(fmt.Sprintf("no patch for sync key %q", key), nil).WithOperation("buildPatch")
}
