package domain

// Triage is the display status of an open pull request.
type Triage string

const (
	TriageDraft       Triage = "draft"
	TriageConflicting Triage = "conflicting"
	TriageBehind      Triage = "behind"
	TriageUnstable    Triage = "unstable"
	TriageChanges     Triage = "changes_requested"
	TriageApproved    Triage = "approved"
	TriageNeedsReview Triage = "needs_review"
	TriageBlocked     Triage = "blocked"
	TriageReady       Triage = "ready"
	TriageUnknown     Triage = "unknown"
)

// Triage derives a single status; earlier checks win.
func (p PullRequest) Triage() Triage {
	if p.Draft || p.MergeableState == MergeableDraft {
		return TriageDraft
	}

	if p.MergeableState == MergeableDirty || (p.Mergeable != nil && !*p.Mergeable) {
		return TriageConflicting
	}

	switch p.MergeableState {
	case MergeableBehind:
		return TriageBehind
	case MergeableUnstable:
		return TriageUnstable
	}

	latest := p.LatestReviews()
	approved := false
	for _, r := range latest {
		if r.State == ReviewChangesRequested {
			return TriageChanges
		}
		if r.State == ReviewApproved {
			approved = true
		}
	}

	if p.MergeableState == MergeableClean {
		if approved {
			return TriageApproved
		}
		return TriageReady
	}

	if len(latest) == 0 {
		return TriageNeedsReview
	}
	if approved {
		return TriageApproved
	}
	if p.MergeableState == MergeableBlocked {
		return TriageBlocked
	}

	return TriageUnknown
}
