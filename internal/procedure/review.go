package procedure

import (
	"strings"
	"time"
)

// Review status values used by the UI. Any string is accepted.
const (
	ReviewPending   = "pending"
	ReviewInReview  = "in-review"
	ReviewApproved  = "approved"
	ReviewSignedOff = "signed-off"
	ReviewReopened  = "reopened"
)

// Review is the reviewer and sign-off trail of a document. Version grows
// by one with every review action.
type Review struct {
	ReviewerID   string     `json:"reviewerId,omitempty"`
	ReviewStatus string     `json:"reviewStatus,omitempty"`
	ReviewedAt   *time.Time `json:"reviewedAt,omitempty"`
	Approved     bool       `json:"isApproved"`
	ApprovedBy   string     `json:"approvedBy,omitempty"`
	ApprovedAt   *time.Time `json:"approvedAt,omitempty"`
	SignedOff    bool       `json:"isSignedOff"`
	SignedOffBy  string     `json:"signedOffBy,omitempty"`
	SignedOffAt  *time.Time `json:"signedOffAt,omitempty"`
	Locked       bool       `json:"isLocked"`
	LockedBy     string     `json:"lockedBy,omitempty"`
	LockedAt     *time.Time `json:"lockedAt,omitempty"`
	ReopenedBy   string     `json:"reopenedBy,omitempty"`
	ReopenedAt   *time.Time `json:"reopenedAt,omitempty"`
	ReopenReason string     `json:"reopenReason,omitempty"`
	Version      int        `json:"reviewVersion"`
}

func (r Review) clone() Review {
	out := r
	out.ReviewedAt = cloneTime(r.ReviewedAt)
	out.ApprovedAt = cloneTime(r.ApprovedAt)
	out.SignedOffAt = cloneTime(r.SignedOffAt)
	out.LockedAt = cloneTime(r.LockedAt)
	out.ReopenedAt = cloneTime(r.ReopenedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

// Action names a review step, recorded in the review event trail.
type Action string

const (
	ActionAssign  Action = "assign"
	ActionStatus  Action = "status"
	ActionApprove Action = "approve"
	ActionSignOff Action = "signoff"
	ActionLock    Action = "lock"
	ActionUnlock  Action = "unlock"
	ActionReopen  Action = "reopen"
)

// ParseAction reports whether raw names a review action.
func ParseAction(raw string) (Action, bool) {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionAssign, ActionStatus, ActionApprove, ActionSignOff, ActionLock, ActionUnlock, ActionReopen:
		return a, true
	default:
		return "", false
	}
}

func (d Document) reviewed(mutate func(*Review)) Document {
	out := d.clone()
	mutate(&out.Review)
	out.Review.Version++
	return out
}

// AssignReviewer sets the reviewer.
func (d Document) AssignReviewer(reviewerID string, at time.Time) Document {
	return d.reviewed(func(r *Review) {
		r.ReviewerID = reviewerID
		if r.ReviewStatus == "" {
			r.ReviewStatus = ReviewPending
		}
		r.ReviewedAt = &at
	})
}

// SetReviewStatus records a free-form review status.
func (d Document) SetReviewStatus(status string, at time.Time) Document {
	return d.reviewed(func(r *Review) {
		r.ReviewStatus = status
		r.ReviewedAt = &at
	})
}

func (d Document) Approve(actor string, at time.Time) Document {
	return d.reviewed(func(r *Review) {
		r.Approved = true
		r.ApprovedBy = actor
		r.ApprovedAt = &at
		r.ReviewStatus = ReviewApproved
	})
}

func (d Document) SignOff(actor string, at time.Time) Document {
	return d.reviewed(func(r *Review) {
		r.SignedOff = true
		r.SignedOffBy = actor
		r.SignedOffAt = &at
		r.ReviewStatus = ReviewSignedOff
	})
}

func (d Document) Lock(actor string, at time.Time) Document {
	return d.reviewed(func(r *Review) {
		r.Locked = true
		r.LockedBy = actor
		r.LockedAt = &at
	})
}

func (d Document) Unlock(at time.Time) Document {
	return d.reviewed(func(r *Review) {
		r.Locked = false
		r.ReviewedAt = &at
	})
}

// Reopen puts a signed-off or locked document back into work. Earlier
// approval and sign-off actors stay on record.
func (d Document) Reopen(actor, reason string, at time.Time) Document {
	out := d.reviewed(func(r *Review) {
		r.Locked = false
		r.SignedOff = false
		r.Approved = false
		r.ReopenedBy = actor
		r.ReopenedAt = &at
		r.ReopenReason = reason
		r.ReviewStatus = ReviewReopened
	})
	out.Status = StatusInProgress
	return out
}

// ApplyReview runs a named review action. It reports false for unknown actions.
func (d Document) ApplyReview(action Action, actor, value string, at time.Time) (Document, bool) {
	switch action {
	case ActionAssign:
		return d.AssignReviewer(value, at), true
	case ActionStatus:
		return d.SetReviewStatus(value, at), true
	case ActionApprove:
		return d.Approve(actor, at), true
	case ActionSignOff:
		return d.SignOff(actor, at), true
	case ActionLock:
		return d.Lock(actor, at), true
	case ActionUnlock:
		return d.Unlock(at), true
	case ActionReopen:
		return d.Reopen(actor, value, at), true
	default:
		return d, false
	}
}
