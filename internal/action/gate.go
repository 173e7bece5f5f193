// Package action executes moderation actions idempotently and keeps the
// dedupe state machine and action log consistent with their results.
package action

import "reddit_mod_bot/internal/config"

// Actor is the person pressing a button, as seen by the chat surface.
type Actor struct {
	ID   int64
	Name string
	// Admin is set when the chat surface reports the actor as a chat
	// administrator, which bypasses the per-setup allow list.
	Admin bool
}

// Authorized reports whether the actor may run moderation actions for the
// setup. Denials are not recorded anywhere.
func Authorized(setup *config.Setup, actor Actor) bool {
	if actor.Admin {
		return true
	}
	return setup.IsActorAllowed(actor.ID)
}
