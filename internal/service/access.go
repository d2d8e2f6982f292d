package service

import (
	"ridebook/internal/domain"
	"ridebook/internal/models"
)

// authorize checks that actor takes part in the booking in the role it claims.
func authorize(actor domain.Actor, b *models.Booking) error {
	switch actor.Role {
	case models.RoleAdmin:
		return nil
	case models.RolePassenger:
		if actor.ID != "" && b.User.ID == actor.ID {
			return nil
		}
	case models.RoleDriver:
		if actor.ID != "" && b.DriverID() == actor.ID {
			return nil
		}
	}
	return domain.ErrForbidden
}

func transitionError(b *models.Booking, to models.Status, role models.Role) error {
	return &domain.TransitionError{Current: b.Status, Requested: to, Role: role}
}
