// Package auth identifies the principal behind a request and scopes it
// to an organization. It knows nothing about HTTP; the api package owns
// the middleware that populates the context.
package auth

import (
	"context"
	"errors"

	"github.com/roastops/company-kernel/pkg/governance"
)

// Actor is the authenticated principal: a human operator, an automation
// agent, or the kernel itself.
type Actor struct {
	ID      string               `json:"id"`
	Kind    governance.ActorKind `json:"kind"`
	OrgID   string               `json:"orgId,omitempty"`
	Display string               `json:"display,omitempty"`
}

// System is the kernel acting on its own behalf.
var System = Actor{ID: "kernel", Kind: governance.ActorSystem}

// ErrNoActor is returned when the context carries no authenticated actor.
var ErrNoActor = errors.New("no actor in context")

// ErrOrgMismatch is returned when an actor touches another org's resource.
var ErrOrgMismatch = errors.New("actor is not scoped to this organization")

type actorKey struct{}

// WithActor attaches the actor to the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom retrieves the actor from the context.
func ActorFrom(ctx context.Context) (Actor, error) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	if !ok {
		return Actor{}, ErrNoActor
	}
	return a, nil
}

// MustActor panics when no actor is present; use only behind middleware
// that guarantees one.
func MustActor(ctx context.Context) Actor {
	a, err := ActorFrom(ctx)
	if err != nil {
		panic(err)
	}
	return a
}

// AuthorizeOrg checks that the actor may touch a resource in the given
// org. System actors and actors without an org binding pass; an empty
// resource org means the resource is unscoped.
func AuthorizeOrg(a Actor, resourceOrgID string) error {
	if a.Kind == governance.ActorSystem {
		return nil
	}
	if a.OrgID == "" || resourceOrgID == "" {
		return nil
	}
	if a.OrgID != resourceOrgID {
		return ErrOrgMismatch
	}
	return nil
}
