package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RoleLookup resolves resource role names to identifiers.
type RoleLookup interface {
	RoleID(name string) (string, bool)
}

// ResourceOp is a single call issued against the resource service.
type ResourceOp struct {
	Op         string             `json:"op"`
	Assignment ResourceAssignment `json:"assignment"`
	Err        error              `json:"-"`
}

// Resource operations.
const (
	ResourceOpDelete = "delete"
	ResourceOpCreate = "create"
)

// ReconcileResult records the calls issued by a reconciliation, in order.
type ReconcileResult struct {
	Role string       `json:"role"`
	Ops  []ResourceOp `json:"ops"`
}

// Deleted reports whether the previous assignee was removed.
func (r ReconcileResult) Deleted() bool {
	return r.succeeded(ResourceOpDelete)
}

// Created reports whether the new assignee was assigned.
func (r ReconcileResult) Created() bool {
	return r.succeeded(ResourceOpCreate)
}

func (r ReconcileResult) succeeded(op string) bool {
	for _, o := range r.Ops {
		if o.Op == op && o.Err == nil {
			return true
		}
	}
	return false
}

// Reconciler keeps a single-assignee role in the resource service in line with a draft.
type Reconciler struct {
	resources ResourceService
	roles     RoleLookup
	observer  SyncObserver
	logger    zerolog.Logger
}

// NewReconciler creates a reconciler. observer may be nil.
func NewReconciler(resources ResourceService, roles RoleLookup, observer SyncObserver, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		resources: resources,
		roles:     roles,
		observer:  observer,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile moves role from prev to next. Nothing happens when they are equal.
// Otherwise prev is deleted first when set, and next is created when set, even if the
// delete failed. Failures are returned joined and are never retried here.
func (r *Reconciler) Reconcile(ctx context.Context, entityID, roleName, prev, next string) (ReconcileResult, error) {
	result := ReconcileResult{Role: roleName}
	if prev == next {
		return result, nil
	}
	if entityID == "" {
		return result, ErrNotPersisted
	}
	roleID, ok := r.roles.RoleID(roleName)
	if !ok {
		return result, NewPermanentError(fmt.Sprintf("unknown resource role %q", roleName), nil).
			WithCode(ErrCodeUnknownRole).
			WithOperation("reconcile")
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("challenge.id", entityID),
		attribute.String("resource.role", roleName),
	)

	var errs []error
	if prev != "" {
		a := ResourceAssignment{ChallengeID: entityID, RoleID: roleID, MemberHandle: prev}
		err := r.resources.DeleteResource(ctx, a)
		result.Ops = append(result.Ops, ResourceOp{Op: ResourceOpDelete, Assignment: a, Err: err})
		r.observe(roleName, ResourceOpDelete, err)
		if err != nil {
			r.logger.Warn().Err(err).Str("role", roleName).Str("handle", prev).Msg("failed to remove previous assignee")
			errs = append(errs, fmt.Errorf("delete %s %s: %w", roleName, prev, err))
		}
	}
	if next != "" {
		a := ResourceAssignment{ChallengeID: entityID, RoleID: roleID, MemberHandle: next}
		err := r.resources.CreateResource(ctx, a)
		result.Ops = append(result.Ops, ResourceOp{Op: ResourceOpCreate, Assignment: a, Err: err})
		r.observe(roleName, ResourceOpCreate, err)
		if err != nil {
			r.logger.Warn().Err(err).Str("role", roleName).Str("handle", next).Msg("failed to assign new assignee")
			errs = append(errs, fmt.Errorf("create %s %s: %w", roleName, next, err))
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, NewCommitError(fmt.Sprintf("failed to update %s", roleName), err).
			WithCode(ErrCodeResource).
			WithOperation("reconcile")
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (r *Reconciler) observe(role, op string, err error) {
	if r.observer == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	r.observer.ObserveResource(role, op, outcome)
}
