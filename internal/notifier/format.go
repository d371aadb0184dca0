package notifier

import (
	"fmt"
	"strings"

	"github.com/sellerlab/sellerlab/internal/experiments"
)

// statusEmoji marks each transition target in the operator message.
var statusEmoji = map[experiments.Status]string{
	experiments.StatusProposed:        "📋",
	experiments.StatusPendingBaseline: "⏳",
	experiments.StatusRunning:         "▶️",
	experiments.StatusAwaitingReview:  "🔍",
	experiments.StatusCompleted:       "✅",
	experiments.StatusRolledBack:      "↩️",
	experiments.StatusCancelled:       "🚫",
}

var verdictEmoji = map[experiments.Verdict]string{
	experiments.VerdictSuccess: "✅",
	experiments.VerdictFailed:  "❌",
	experiments.VerdictNeutral: "➖",
}

// FormatEvent renders a transition event as an operator message. Messages for
// AwaitingReview carry the verdict, advisories, and the decision commands.
func FormatEvent(event experiments.Event) string {
	var b strings.Builder

	emoji := statusEmoji[event.To]
	fmt.Fprintf(&b, "%s Experiment %s\n", emoji, shortID(event.ExperimentID))
	fmt.Fprintf(&b, "Kind: %s\n", event.Kind)
	fmt.Fprintf(&b, "Subject: %s\n", event.SubjectRef)
	if event.From != "" {
		fmt.Fprintf(&b, "Status: %s → %s\n", event.From, event.To)
	} else {
		fmt.Fprintf(&b, "Status: %s\n", event.To)
	}

	switch event.To {
	case experiments.StatusProposed:
		fmt.Fprintf(&b, "\nDecide: /approve %s or /reject %s", shortID(event.ExperimentID), shortID(event.ExperimentID))
	case experiments.StatusAwaitingReview:
		fmt.Fprintf(&b, "Verdict: %s %s\n", verdictEmoji[event.Verdict], event.Verdict)
		for _, advisory := range event.Advisories {
			fmt.Fprintf(&b, "⚠️ %s\n", advisory)
		}
		fmt.Fprintf(&b, "\nDecide: /complete %s or /rollback %s", shortID(event.ExperimentID), shortID(event.ExperimentID))
	}

	return b.String()
}

// shortID keeps operator commands typeable: the first UUID segment is enough
// to resolve an experiment interactively.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
