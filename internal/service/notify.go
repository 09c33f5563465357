package service

import (
	"fmt"

	"github.com/mendhq/mend/internal/port/notifier"
)

const (
	approvalDescCap = 300
	approvalDiffCap = 400
	resultDetailCap = 300
)

// ApprovalNotification asks a human to approve or reject a proposed fix.
func ApprovalNotification(summary *FixSummary, description, baseURL string) notifier.Notification {
	diff := summary.Diff
	if diff == "" {
		diff = "(no diff)"
	}
	return notifier.Notification{
		Title: "Auto-repair proposal",
		Message: fmt.Sprintf(
			"Branch: %s\n\n%s\n\nChanges:\n```%s```\n\nApprove: %s/repair/approve\nReject: %s/repair/reject",
			summary.Branch,
			truncateString(description, approvalDescCap),
			truncateString(diff, approvalDiffCap),
			baseURL, baseURL),
		Level:  "info",
		Source: "repair.proposed",
	}
}

// ResultNotification reports the outcome of a repair action. action is one
// of "merged", "rejected", "failed", "needs_review".
func ResultNotification(branch, action, detail string) notifier.Notification {
	level := "info"
	switch action {
	case "merged":
		level = "success"
	case "failed":
		level = "error"
	case "rejected", "needs_review":
		level = "warning"
	}

	message := fmt.Sprintf("Repair %s\nBranch: %s", action, branch)
	if detail != "" {
		message += "\n" + truncateString(detail, resultDetailCap)
	}
	return notifier.Notification{
		Title:   "Auto-repair " + action,
		Message: message,
		Level:   level,
		Source:  "repair." + action,
	}
}
