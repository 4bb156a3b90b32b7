package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Reason explains why a draft failed a readiness check.
type Reason struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Verdict is the outcome of a readiness check.
type Verdict struct {
	Ready   bool     `json:"ready"`
	Reasons []Reason `json:"reasons,omitempty"`
}

// Fields returns the distinct fields named by the verdict's reasons.
func (v Verdict) Fields() []string {
	var out []string
	for _, r := range v.Reasons {
		if !containsString(out, r.Field) {
			out = append(out, r.Field)
		}
	}
	return out
}

// Err returns a validation error carrying the reasons, or nil when the verdict is ready.
func (v Verdict) Err(operation string) error {
	if v.Ready {
		return nil
	}
	msgs := make([]string, 0, len(v.Reasons))
	for _, r := range v.Reasons {
		msgs = append(msgs, r.Message)
	}
	return NewValidationError(strings.Join(msgs, "; "), nil).
		WithOperation(operation).
		WithDetail("reasons", v.Reasons)
}

// newDraftRules are checked before a brand new draft is first persisted.
type newDraftRules struct {
	Name    string `json:"name" validate:"required"`
	TrackID string `json:"trackId" validate:"required"`
	TypeID  string `json:"typeId" validate:"required"`
}

// savedDraftRules are checked before an existing draft is saved or launched.
type savedDraftRules struct {
	Name               string   `json:"name" validate:"required"`
	TrackID            string   `json:"trackId" validate:"required"`
	TypeID             string   `json:"typeId" validate:"required"`
	Description        string   `json:"description" validate:"required"`
	Tags               []string `json:"tags" validate:"min=1"`
	ChallengePrizes    []string `json:"prizeSets" validate:"min=1,dive,prize_amount"`
	TimelineTemplateID string   `json:"timelineTemplateId" validate:"required"`
	ReviewType         string   `json:"reviewType" validate:"omitempty,oneof=community internal"`
	Reviewer           string   `json:"reviewer" validate:"required_if=ReviewType internal"`
}

// Validator checks drafts against readiness rules. The zero value is not usable; use
// NewValidator. A Validator is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator with the draft rules registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("prize_amount", validatePrizeAmount)
	return &Validator{validate: v}
}

func validatePrizeAmount(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0 && n <= MaxPrizeAmount
}

var defaultValidator = NewValidator()

// IsSaveReady checks the save rules using the package validator.
func IsSaveReady(d Draft, ref *ReferenceData, isNew bool) Verdict {
	return defaultValidator.IsSaveReady(d, ref, isNew)
}

// IsLaunchReady checks the launch rules using the package validator.
func IsLaunchReady(d Draft, ref *ReferenceData) Verdict {
	return defaultValidator.IsLaunchReady(d, ref)
}

// IsSaveReady reports whether the draft may be saved. A new draft only needs a name,
// track and type. An existing draft needs the full set of rules, including a valid
// primary prize list and a resolved timeline template.
func (v *Validator) IsSaveReady(d Draft, ref *ReferenceData, isNew bool) Verdict {
	if isNew {
		return v.check(newDraftRules{
			Name:    strings.TrimSpace(d.Name),
			TrackID: d.TrackID,
			TypeID:  d.TypeID,
		})
	}
	verdict := v.check(savedRulesFor(d))
	if d.TimelineTemplateID != "" && ref != nil {
		if _, ok := ref.Template(d.TimelineTemplateID); !ok {
			verdict = verdict.with(Reason{
				Field:   "timelineTemplateId",
				Rule:    "template_known",
				Message: fmt.Sprintf("timeline template %q is not in the catalog", d.TimelineTemplateID),
			})
		}
	}
	return verdict
}

// IsLaunchReady reports whether the draft may be launched: it must be save ready, have
// a phase schedule drawn from its template with positive durations, and be allowed to
// move to Active.
func (v *Validator) IsLaunchReady(d Draft, ref *ReferenceData) Verdict {
	verdict := v.IsSaveReady(d, ref, false)
	if len(d.Phases) == 0 {
		verdict = verdict.with(Reason{Field: "phases", Rule: "min", Message: "phases are required"})
	}
	if t, ok := ref.Template(d.TimelineTemplateID); ok {
		allowed := templatePhaseIDs(t)
		for i, p := range d.Phases {
			if !allowed[p.PhaseID] {
				verdict = verdict.with(Reason{
					Field:   fmt.Sprintf("phases[%d]", i),
					Rule:    "template_phase",
					Message: fmt.Sprintf("phase %q is not part of template %q", p.PhaseID, t.Name),
				})
			}
		}
	}
	for i, p := range d.Phases {
		if p.Duration <= 0 {
			verdict = verdict.with(Reason{
				Field:   fmt.Sprintf("phases[%d]", i),
				Rule:    "gt",
				Message: fmt.Sprintf("phase %q must have a positive duration", p.PhaseID),
			})
		}
	}
	if !d.Status.CanTransitionTo(StatusActive) {
		verdict = verdict.with(Reason{
			Field:   "status",
			Rule:    "transition",
			Message: fmt.Sprintf("cannot launch a challenge in status %s", d.Status),
		})
	}
	return verdict
}

func savedRulesFor(d Draft) savedDraftRules {
	rules := savedDraftRules{
		Name:               strings.TrimSpace(d.Name),
		TrackID:            d.TrackID,
		TypeID:             d.TypeID,
		Description:        strings.TrimSpace(d.Description),
		Tags:               d.Tags,
		TimelineTemplateID: d.TimelineTemplateID,
		ReviewType:         d.ReviewType,
		Reviewer:           strings.TrimSpace(d.Reviewer),
	}
	if prizes, ok := d.PrimaryPrizes(); ok {
		rules.ChallengePrizes = make([]string, len(prizes))
		for i, p := range prizes {
			rules.ChallengePrizes[i] = p.Value
		}
	}
	return rules
}

// PrimaryPrizesValid reports whether the primary prize list would pass the save rules.
func PrimaryPrizesValid(d Draft) bool {
	err := defaultValidator.validate.Var(savedRulesFor(d).ChallengePrizes, "min=1,dive,prize_amount")
	return err == nil
}

func (v *Validator) check(rules interface{}) Verdict {
	err := v.validate.Struct(rules)
	if err == nil {
		return Verdict{Ready: true}
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Verdict{Reasons: []Reason{{Rule: "internal", Message: err.Error()}}}
	}
	verdict := Verdict{Reasons: make([]Reason, 0, len(verrs))}
	for _, fe := range verrs {
		verdict.Reasons = append(verdict.Reasons, Reason{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: reasonMessage(fe),
		})
	}
	return verdict
}

func (v Verdict) with(r Reason) Verdict {
	v.Ready = false
	v.Reasons = append(append([]Reason{}, v.Reasons...), r)
	return v
}

func reasonMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "required_if":
		return fmt.Sprintf("%s is required for an internal review", fe.Field())
	case "min":
		if fe.Field() == "prizeSets" {
			return "at least one challenge prize is required"
		}
		return fmt.Sprintf("%s must have at least %s item(s)", fe.Field(), fe.Param())
	case "prize_amount":
		return fmt.Sprintf("%s must be a whole amount between 0 and %d", fe.Field(), MaxPrizeAmount)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
