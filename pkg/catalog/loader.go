package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/draftsync/pkg/engine"
)

//go:embed default.yaml
var defaultCatalog []byte

// Loader parses reference data from CUE, YAML and JSON sources.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewLoader creates a loader with the catalog schema compiled.
func NewLoader(logger zerolog.Logger) *Loader {
	ctx := cuecontext.New()
	schema := ctx.CompileString(catalogSchema, cue.Filename("catalog_schema.cue"))
	return &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Catalog")),
		validator: validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With().Str("component", "catalog-loader").Logger(),
	}
}

// supported reports whether path has a catalog file extension.
func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads every source (files, or directories walked for catalog files), merges
// them in order and validates the result. Warnings are logged.
func (l *Loader) Load(ctx context.Context, sources []string) (*engine.ReferenceData, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no catalog sources provided")
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if !info.IsDir() {
			files = append(files, source)
			continue
		}
		err = filepath.WalkDir(source, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && supported(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", source, err)
		}
	}

	merged := &engine.ReferenceData{}
	var issues []Issue
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		ref, errs := l.parse(file, data)
		issues = append(issues, errs...)
		if ref != nil {
			issues = append(issues, merge(merged, ref, file)...)
		}
	}
	return l.finish(merged, issues, len(files))
}

// Parse decodes a single source. The format is chosen from the name's extension.
func (l *Loader) Parse(name string, data []byte) (*engine.ReferenceData, error) {
	ref, issues := l.parse(name, data)
	if ref == nil {
		return nil, &LoadError{Issues: issues}
	}
	merged := &engine.ReferenceData{}
	issues = append(issues, merge(merged, ref, name)...)
	return l.finish(merged, issues, 1)
}

// Default returns the catalog bundled with the binary.
func (l *Loader) Default() (*engine.ReferenceData, error) {
	return l.Parse("default.yaml", defaultCatalog)
}

func (l *Loader) finish(ref *engine.ReferenceData, issues []Issue, files int) (*engine.ReferenceData, error) {
	issues = append(issues, l.check(ref)...)
	for _, i := range issues {
		if i.Severity == SeverityWarning {
			l.logger.Warn().Str("issue", i.String()).Msg("catalog warning")
		}
	}
	if errs := errorsIn(issues); len(errs) > 0 {
		return nil, &LoadError{Issues: issues}
	}
	l.logger.Debug().
		Int("files", files).
		Int("phases", len(ref.Phases)).
		Int("templates", len(ref.Templates)).
		Int("types", len(ref.Types)).
		Msg("catalog loaded")
	return ref, nil
}

func (l *Loader) parse(name string, data []byte) (*engine.ReferenceData, []Issue) {
	var val cue.Value
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue", ".json":
		val = l.ctx.CompileBytes(data, cue.Filename(name))
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, []Issue{{File: name, Message: fmt.Sprintf("failed to parse YAML: %v", err), Severity: SeverityError}}
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		val = l.ctx.Encode(doc)
	default:
		return nil, []Issue{{File: name, Message: "unsupported file type", Severity: SeverityError}}
	}
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(name, err)
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(name, err)
	}
	var ref engine.ReferenceData
	if err := unified.Decode(&ref); err != nil {
		return nil, []Issue{{File: name, Message: fmt.Sprintf("failed to decode catalog: %v", err), Severity: SeverityError}}
	}
	return &ref, nil
}

// convertCUEErrors converts CUE errors to issues.
func convertCUEErrors(file string, err error) []Issue {
	var issues []Issue
	for _, e := range cueerrors.Errors(err) {
		issue := Issue{
			File:     file,
			Path:     strings.Join(e.Path(), "."),
			Message:  cueerrors.Details(e, nil),
			Severity: SeverityError,
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			if pos[0].Filename() != "" {
				issue.File = pos[0].Filename()
			}
			issue.Line = pos[0].Line()
			issue.Column = pos[0].Column()
		}
		issues = append(issues, issue)
	}
	return issues
}

// merge appends src into dst. Entries whose id is already present are reported and
// skipped; terms set in src override those in dst.
func merge(dst, src *engine.ReferenceData, file string) []Issue {
	var issues []Issue
	dup := func(section, id string) {
		issues = append(issues, Issue{
			File:     file,
			Path:     section,
			Message:  fmt.Sprintf("duplicate id %q", id),
			Severity: SeverityError,
		})
	}

	phases := idSet(len(dst.Phases), func(i int) string { return dst.Phases[i].ID })
	for _, p := range src.Phases {
		if phases[p.ID] {
			dup("phases", p.ID)
			continue
		}
		phases[p.ID] = true
		dst.Phases = append(dst.Phases, p)
	}
	templates := idSet(len(dst.Templates), func(i int) string { return dst.Templates[i].ID })
	for _, t := range src.Templates {
		if templates[t.ID] {
			dup("timelineTemplates", t.ID)
			continue
		}
		templates[t.ID] = true
		dst.Templates = append(dst.Templates, t)
	}
	types := idSet(len(dst.Types), func(i int) string { return dst.Types[i].ID })
	for _, t := range src.Types {
		if types[t.ID] {
			dup("challengeTypes", t.ID)
			continue
		}
		types[t.ID] = true
		dst.Types = append(dst.Types, t)
	}
	tracks := idSet(len(dst.Tracks), func(i int) string { return dst.Tracks[i].ID })
	for _, t := range src.Tracks {
		if tracks[t.ID] {
			dup("challengeTracks", t.ID)
			continue
		}
		tracks[t.ID] = true
		dst.Tracks = append(dst.Tracks, t)
	}
	roles := idSet(len(dst.Roles), func(i int) string { return dst.Roles[i].ID })
	for _, r := range src.Roles {
		if roles[r.ID] {
			dup("resourceRoles", r.ID)
			continue
		}
		roles[r.ID] = true
		dst.Roles = append(dst.Roles, r)
	}
	dst.Timelines = append(dst.Timelines, src.Timelines...)
	for _, m := range src.Metadata {
		if !contains(dst.Metadata, m) {
			dst.Metadata = append(dst.Metadata, m)
		}
	}
	if src.Terms.DefaultID != "" {
		dst.Terms.DefaultID = src.Terms.DefaultID
	}
	if src.Terms.NDAID != "" {
		dst.Terms.NDAID = src.Terms.NDAID
	}
	if src.Terms.SubmitterRoleID != "" {
		dst.Terms.SubmitterRoleID = src.Terms.SubmitterRoleID
	}
	return issues
}

// check validates the merged catalog: struct rules first, then cross references.
func (l *Loader) check(ref *engine.ReferenceData) []Issue {
	var issues []Issue
	if err := l.validator.Struct(ref); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				issues = append(issues, Issue{
					Path:     fe.Namespace(),
					Message:  fmt.Sprintf("failed on the %q rule", fe.Tag()),
					Severity: SeverityError,
				})
			}
		} else {
			issues = append(issues, Issue{Message: err.Error(), Severity: SeverityError})
		}
	}

	phases := idSet(len(ref.Phases), func(i int) string { return ref.Phases[i].ID })
	for _, t := range ref.Templates {
		for _, p := range t.Phases {
			if !phases[p.PhaseID] {
				issues = append(issues, Issue{
					Path:     "timelineTemplates." + t.ID,
					Message:  fmt.Sprintf("phase %q is not in the phase catalog and will be skipped", p.PhaseID),
					Severity: SeverityWarning,
				})
			}
		}
	}

	templates := idSet(len(ref.Templates), func(i int) string { return ref.Templates[i].ID })
	types := idSet(len(ref.Types), func(i int) string { return ref.Types[i].ID })
	for i, tl := range ref.Timelines {
		path := fmt.Sprintf("challengeTimelines.%d", i)
		if !types[tl.TypeID] {
			issues = append(issues, Issue{Path: path, Message: fmt.Sprintf("unknown challenge type %q", tl.TypeID), Severity: SeverityError})
		}
		if !templates[tl.TimelineTemplateID] {
			issues = append(issues, Issue{Path: path, Message: fmt.Sprintf("unknown timeline template %q", tl.TimelineTemplateID), Severity: SeverityError})
		}
	}

	for _, role := range []string{engine.RoleCopilot, engine.RoleReviewer} {
		if _, ok := ref.RoleID(role); !ok {
			issues = append(issues, Issue{
				Path:     "resourceRoles",
				Message:  fmt.Sprintf("role %q is missing; commits assigning it will fail", role),
				Severity: SeverityWarning,
			})
		}
	}
	return issues
}

func idSet(n int, id func(int) string) map[string]bool {
	set := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		set[id(i)] = true
	}
	return set
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
