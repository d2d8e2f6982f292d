// Package fsm holds the booking status graph and the per-role transition rights.
package fsm

import "ridebook/internal/models"

// forward is the single-step forward chain of the booking lifecycle.
var forward = map[models.Status]models.Status{
	models.StatusPending:    models.StatusConfirmed,
	models.StatusConfirmed:  models.StatusAccepted,
	models.StatusAccepted:   models.StatusArrived,
	models.StatusArrived:    models.StatusInProgress,
	models.StatusInProgress: models.StatusPicked,
	models.StatusPicked:     models.StatusCompleted,
}

type edges map[models.Status]map[models.Status]struct{}

var rights = map[models.Role]edges{
	models.RoleDriver: {
		models.StatusAccepted:   {models.StatusArrived: {}},
		models.StatusArrived:    {models.StatusInProgress: {}},
		models.StatusInProgress: {models.StatusPicked: {}},
		models.StatusPicked:     {models.StatusCompleted: {}},
	},
	models.RolePassenger: {
		models.StatusPending:    {models.StatusCancelled: {}},
		models.StatusAccepted:   {models.StatusCancelled: {}},
		models.StatusInProgress: {models.StatusPicked: {}},
	},
	models.RoleAdmin: graph(),
}

// graph builds every edge of the status graph: forward steps plus terminal escapes.
func graph() edges {
	g := edges{}
	for _, from := range models.AllStatuses {
		if from.Terminal() {
			continue
		}
		g[from] = map[models.Status]struct{}{
			models.StatusCancelled: {},
			models.StatusFailed:    {},
		}
		if next, ok := forward[from]; ok {
			g[from][next] = struct{}{}
		}
	}
	return g
}

// InGraph reports whether from→to is an edge of the lifecycle regardless of role.
func InGraph(from, to models.Status) bool {
	return rights[models.RoleAdmin].has(from, to)
}

// CanTransition is the only authorization check for status changes.
// Self-transitions and anything leaving a terminal status are rejected.
func CanTransition(role models.Role, from, to models.Status) bool {
	if from == to || from.Terminal() {
		return false
	}
	table, ok := rights[role]
	if !ok {
		return false
	}
	return table.has(from, to)
}

func (e edges) has(from, to models.Status) bool {
	allowed, ok := e[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Allowed lists the statuses role may move a booking to from the given status.
func Allowed(role models.Role, from models.Status) []models.Status {
	var out []models.Status
	for _, to := range models.AllStatuses {
		if CanTransition(role, from, to) {
			out = append(out, to)
		}
	}
	return out
}

// Next returns the forward successor of s.
func Next(s models.Status) (models.Status, bool) {
	next, ok := forward[s]
	return next, ok
}

// RequiresOTP reports whether the transition is gated by pickup verification for the role.
func RequiresOTP(role models.Role, to models.Status) bool {
	return to == models.StatusPicked && role != models.RoleAdmin
}

// IssuesOTP reports whether entering the target status starts a new pickup code generation.
func IssuesOTP(from, to models.Status) bool {
	return from == models.StatusArrived && to == models.StatusInProgress
}

// RequiresDriver reports whether the target status needs an assigned driver.
func RequiresDriver(to models.Status) bool {
	switch to {
	case models.StatusAccepted, models.StatusArrived, models.StatusInProgress, models.StatusPicked:
		return true
	}
	return false
}
