package catalog

// catalogSchema constrains a single catalog source. Every section is optional so a
// catalog may be split across files; required sections are checked after merging.
const catalogSchema = `
#Phase: {
	id:       string & !=""
	name:     string & !=""
	duration: int & >=0
}

#TemplatePhase: {
	phaseId:      string & !=""
	predecessor?: string
}

#Template: {
	id:   string & !=""
	name: string & !=""
	phases: [...#TemplatePhase]
}

#ChallengeType: {
	id:            string & !=""
	name:          string & !=""
	abbreviation?: string
}

#Track: {
	id:   string & !=""
	name: string & !=""
}

#Timeline: {
	typeId:             string & !=""
	trackId?:           string
	timelineTemplateId: string & !=""
	isDefault?:         bool
}

#Role: {
	id:   string & !=""
	name: string & !=""
}

#Terms: {
	defaultId?:       string & !=""
	ndaId?:           string & !=""
	submitterRoleId?: string
}

#Catalog: {
	phases?: [...#Phase]
	timelineTemplates?: [...#Template]
	challengeTypes?: [...#ChallengeType]
	challengeTracks?: [...#Track]
	challengeTimelines?: [...#Timeline]
	resourceRoles?: [...#Role]
	terms?: #Terms
	metadataNames?: [...string]
}
`
