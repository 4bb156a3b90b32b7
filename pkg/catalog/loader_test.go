package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/draftsync/pkg/engine"
)

const phasesYAML = `
phases:
  - id: reg
    name: Registration
    duration: 72
  - id: sub
    name: Submission
    duration: 120
`

const templatesCUE = `
package catalog

timelineTemplates: [{
	id:   "tpl-dev"
	name: "Standard Development"
	phases: [{phaseId: "reg"}, {phaseId: "sub", predecessor: "reg"}]
}]

challengeTypes: [{id: "challenge", name: "Challenge"}]
challengeTimelines: [{typeId: "challenge", timelineTemplateId: "tpl-dev"}]
`

const rolesJSON = `{
  "resourceRoles": [{"id": "r-co", "name": "Copilot"}, {"id": "r-rev", "name": "Reviewer"}],
  "challengeTracks": [{"id": "dev", "name": "Development"}],
  "terms": {"defaultId": "t-std", "ndaId": "t-nda"}
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestLoader() *Loader {
	return NewLoader(zerolog.Nop())
}

func loadErrorIssues(t *testing.T, err error) []Issue {
	t.Helper()
	var le *LoadError
	require.ErrorAs(t, err, &le)
	return errorsIn(le.Issues)
}

func TestLoader_MergesFormats(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1-phases.yaml", phasesYAML)
	writeFile(t, dir, "2-templates.cue", templatesCUE)
	writeFile(t, dir, "nested/3-roles.json", rolesJSON)
	writeFile(t, dir, "README.md", "ignored")

	ref, err := newTestLoader().Load(context.Background(), []string{dir})
	require.NoError(t, err)

	assert.Len(t, ref.Phases, 2)
	assert.Equal(t, 72, ref.Phases[0].Duration)
	tpl, ok := ref.Template("tpl-dev")
	require.True(t, ok)
	assert.Equal(t, "reg", tpl.Phases[1].PredecessorID)
	assert.Equal(t, []string{"tpl-dev"}, []string{engine.AvailableTemplates(ref, "challenge")[0].ID})
	id, ok := ref.RoleID(engine.RoleCopilot)
	require.True(t, ok)
	assert.Equal(t, "r-co", id)
	assert.Equal(t, "t-nda", ref.Terms.NDAID)
}

func TestLoader_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "phases:\n  - id: reg\n    name: Registration\n    duration: 72\n    colour: red\n")

	_, err := newTestLoader().Load(context.Background(), []string{path})
	require.Error(t, err)
	issues := loadErrorIssues(t, err)
	require.NotEmpty(t, issues)
	assert.Equal(t, path, issues[0].File)
}

func TestLoader_SchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"negative duration", "p.yaml", "phases:\n  - {id: reg, name: Registration, duration: -1}\n"},
		{"empty id", "t.json", `{"challengeTypes": [{"id": "", "name": "Challenge"}]}`},
		{"bad cue", "x.cue", "phases: [{id: \"reg\""},
		{"unsupported", "x.toml", "a = 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader().Parse(tt.file, []byte(tt.content))
			require.Error(t, err)
			assert.NotEmpty(t, loadErrorIssues(t, err))
		})
	}
}

func TestLoader_CrossReferences(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", phasesYAML)
	writeFile(t, dir, "b.json", rolesJSON)
	writeFile(t, dir, "c.yaml", `
challengeTypes: [{id: task, name: Task}]
challengeTimelines:
  - {typeId: task, timelineTemplateId: tpl-missing}
  - {typeId: marathon, timelineTemplateId: tpl-missing}
`)

	_, err := newTestLoader().Load(context.Background(), []string{dir})
	require.Error(t, err)
	issues := loadErrorIssues(t, err)
	assert.Len(t, issues, 3)
	assert.ErrorContains(t, err, `unknown timeline template "tpl-missing"`)
	assert.ErrorContains(t, err, `unknown challenge type "marathon"`)
}

func TestLoader_DuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", phasesYAML)
	writeFile(t, dir, "b.yaml", phasesYAML)
	writeFile(t, dir, "c.json", rolesJSON)

	_, err := newTestLoader().Load(context.Background(), []string{dir})
	require.Error(t, err)
	assert.ErrorContains(t, err, `duplicate id "reg"`)
}

func TestLoader_MissingPhaseIsOnlyAWarning(t *testing.T) {
	content := rolesJSON[:len(rolesJSON)-2] + `,
  "phases": [{"id": "reg", "name": "Registration", "duration": 72}],
  "timelineTemplates": [{"id": "tpl", "name": "T", "phases": [{"phaseId": "reg"}, {"phaseId": "gone"}]}]
}`
	ref, err := newTestLoader().Parse("catalog.json", []byte(content))
	require.NoError(t, err)
	tpl, _ := ref.Template("tpl")
	assert.Len(t, engine.PhasesFor(tpl, ref.Phases), 1)
}

func TestLoader_RequiresTerms(t *testing.T) {
	_, err := newTestLoader().Parse("p.yaml", []byte(phasesYAML))
	require.Error(t, err)
	assert.ErrorContains(t, err, "Terms.DefaultID")
}

func TestLoader_Default(t *testing.T) {
	ref, err := newTestLoader().Default()
	require.NoError(t, err)

	dev, ok := ref.TemplateByName(engine.TemplateStandardDevelopment)
	require.True(t, ok)
	assert.Len(t, engine.PhasesFor(dev, ref.Phases), 5)
	_, ok = ref.TemplateByName(engine.TemplateStandardCode)
	assert.True(t, ok)
	for _, tpl := range ref.Templates {
		assert.Len(t, engine.PhasesFor(tpl, ref.Phases), len(tpl.Phases), "template %s", tpl.Name)
	}
	assert.NotEmpty(t, ref.Terms.DefaultID)
	assert.Contains(t, ref.Metadata, engine.MetadataSubmissionLimit)
}
