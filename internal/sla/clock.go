// Package sla computes the timeliness of a work item against its due date.
package sla

import (
	"time"

	"dueline/internal/config"
	"dueline/internal/domain"
)

// Evaluate classifies item at now. exc is the item's current exception, if any;
// it only matters when approved and its window covers now.
func Evaluate(item domain.WorkItem, exc *domain.Exception, policy config.Policy, now time.Time) domain.SLAStatus {
	if exc != nil && exc.Covers(now) {
		return domain.SLAExempt
	}
	remaining := Remaining(item, now)
	switch {
	case remaining < 0:
		return domain.SLABreached
	case remaining <= policy.AtRiskWindow:
		return domain.SLAAtRisk
	default:
		return domain.SLAOnTrack
	}
}

// Remaining is the signed time left until the item is due. Negative means overdue.
func Remaining(item domain.WorkItem, now time.Time) time.Duration {
	return item.DueAt.Sub(now)
}
