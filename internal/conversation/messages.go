package conversation

import (
	"fmt"
	"strings"

	"cronbot/internal/job"
	"cronbot/internal/recurrence"
)

const (
	promptTarget  = "Where should the message go? Send \"here\" for this chat or a numeric chat id. Send cancel to stop."
	promptPayload = "Now send the message: text, a photo with optional caption, a poll, or \"poll: Question | Option 1 | Option 2\"."
	msgCancelled  = "Cancelled. Nothing was saved."
)

func promptSchedule(multi bool, drafts int) string {
	s := "When should it be sent? Formats:\n" + recurrence.Formats
	if multi && drafts > 0 {
		s += "\nSend done to review the " + fmt.Sprint(drafts) + " draft(s)."
	}
	return s
}

func summary(st State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Save %d job(s) to chat %d?\n", len(st.Drafts), st.Target.ChatID)
	for i, d := range st.Drafts {
		fmt.Fprintf(&b, "%d. %s: %q, first at %s (%s)\n", i+1,
			recurrence.Describe(d.Recurrence, st.TZOffset), d.Name,
			recurrence.FormatLocal(d.NextRunAt, st.TZOffset), recurrence.FormatOffset(st.TZOffset))
	}
	b.WriteString("Reply yes to save or no to discard.")
	return b.String()
}

func commitReport(committed, rejected []job.Job, tz float64, err error) string {
	var b strings.Builder
	if len(committed) > 0 {
		fmt.Fprintf(&b, "Saved %d job(s):\n", len(committed))
		for _, j := range committed {
			fmt.Fprintf(&b, "• %s %s: %q\n", j.ShortID(), recurrence.Describe(j.Recurrence, tz), j.Name)
		}
	}
	if len(rejected) > 0 {
		fmt.Fprintf(&b, "Not saved (%d):\n", len(rejected))
		for _, j := range rejected {
			fmt.Fprintf(&b, "• %s: %q\n", recurrence.Describe(j.Recurrence, tz), j.Name)
		}
		if err == nil {
			b.WriteString("You reached your job limit. Delete a job with /delete to make room.\n")
		}
	}
	if err != nil {
		b.WriteString("Saving failed: " + job.UserMessage(err) + "\n")
	}
	if b.Len() == 0 {
		return "Nothing to save."
	}
	return strings.TrimRight(b.String(), "\n")
}
