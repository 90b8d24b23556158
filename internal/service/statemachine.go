package service

import (
	"sort"
	"strings"
	"time"

	"seminarhall/internal/domain"
	"seminarhall/internal/models"
)

// actorRule says who may request a transition.
type actorRule int

const (
	adminOnly actorRule = iota
	ownerOrAdmin
	systemOnly
)

type edge struct {
	from models.Status
	to   models.Status
}

type transitionRule struct {
	actor          actorRule
	requiresReason bool
}

// StateMachine is the only place reservation status changes.
type StateMachine struct {
	rules map[edge]transitionRule
}

func NewStateMachine(mode models.Mode) *StateMachine {
	rules := map[edge]transitionRule{
		{models.StatusPending, models.StatusAccepted}:   {actor: adminOnly},
		{models.StatusPending, models.StatusRejected}:   {actor: adminOnly, requiresReason: true},
		{models.StatusPending, models.StatusCancelled}:  {actor: ownerOrAdmin},
		{models.StatusAccepted, models.StatusBooked}:    {actor: adminOnly},
		{models.StatusAccepted, models.StatusRejected}:  {actor: adminOnly, requiresReason: true},
		{models.StatusAccepted, models.StatusCancelled}: {actor: ownerOrAdmin},
		{models.StatusBooked, models.StatusCancelled}:   {actor: ownerOrAdmin},
	}
	if mode == models.ModeWaitlist {
		rules[edge{models.StatusWaitlisted, models.StatusCancelled}] = transitionRule{actor: ownerOrAdmin}
		rules[edge{models.StatusWaitlisted, models.StatusRejected}] = transitionRule{actor: adminOnly, requiresReason: true}
		rules[edge{models.StatusWaitlisted, models.StatusAccepted}] = transitionRule{actor: systemOnly}
	}
	return &StateMachine{rules: rules}
}

// Targets lists the statuses reachable from from.
func (m *StateMachine) Targets(from models.Status) []models.Status {
	var out []models.Status
	for e := range m.rules {
		if e.from == from {
			out = append(out, e.to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply moves r to the target status on behalf of actor.
// Checks run in order: edge exists, actor rule, reason.
func (m *StateMachine) Apply(actor models.Actor, r *models.Reservation, to models.Status, reason string, now time.Time) error {
	rule, ok := m.rules[edge{r.Status, to}]
	if !ok {
		return domain.InvalidTransition(r.Status, to)
	}

	if err := rule.authorize(actor, r, to); err != nil {
		return err
	}

	reason = strings.TrimSpace(reason)
	if rule.requiresReason && reason == "" {
		return domain.Validation("reason", "rejection requires a non-empty reason")
	}

	r.Status = to
	r.RejectionReason = ""
	if to == models.StatusRejected {
		r.RejectionReason = reason
	}
	r.UpdatedAt = now
	return nil
}

// Options lists the statuses actor may move r to, in name order.
// A target that needs a reason is included.
func (m *StateMachine) Options(actor models.Actor, r *models.Reservation) []models.Status {
	out := []models.Status{}
	for _, to := range m.Targets(r.Status) {
		if m.rules[edge{r.Status, to}].authorize(actor, r, to) == nil {
			out = append(out, to)
		}
	}
	return out
}

func (rule transitionRule) authorize(actor models.Actor, r *models.Reservation, to models.Status) error {
	switch rule.actor {
	case adminOnly:
		if actor.Role != models.RoleAdmin {
			return domain.Forbidden("only an admin may move a reservation from %s to %s", r.Status, to)
		}
	case ownerOrAdmin:
		if actor.Role != models.RoleAdmin && !(actor.Role == models.RoleFaculty && actor.ID == r.RequesterID) {
			return domain.Forbidden("only the requester or an admin may move reservation %s to %s", r.ID, to)
		}
	case systemOnly:
		if actor.Role != models.RoleSystem {
			return domain.Forbidden("%s to %s happens only through waitlist promotion", r.Status, to)
		}
	}
	return nil
}
