package channel

import (
	"fmt"
	"strings"
	"time"

	"unsaid/internal/domain"
)

const signature = "Sent anonymously with UnSaid"

// ConfessionMessage renders the text a recipient receives for a submission.
func ConfessionMessage(s domain.Submission, revealDelay time.Duration) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\nSomeone has something they never said to you:\n\n%s\n\n", s.RecipientName, s.Message)
	if s.Plan == domain.PlanReveal {
		fmt.Fprintf(&b, "The sender chose to reveal who they are in %s.\n\n", humanDays(revealDelay))
	}
	b.WriteString(signature)
	return Message{
		SubmissionID:  s.ID,
		ContactType:   s.ContactType,
		To:            s.RecipientContact,
		RecipientName: s.RecipientName,
		Subject:       "Someone has something to tell you",
		Body:          b.String(),
	}
}

// RevealNotice tells the recipient who sent a revealed submission.
func RevealNotice(s domain.Submission, senderName string) Message {
	return Message{
		SubmissionID:  s.ID,
		ContactType:   s.ContactType,
		To:            s.RecipientContact,
		RecipientName: s.RecipientName,
		Subject:       "The sender of your UnSaid message",
		Body:          fmt.Sprintf("Hi %s,\n\nThe message you received on UnSaid was sent by %s.\n\n%s", s.RecipientName, senderName, signature),
	}
}

func humanDays(d time.Duration) string {
	days := int(d.Hours() / 24)
	switch {
	case days == 1:
		return "1 day"
	case days > 1:
		return fmt.Sprintf("%d days", days)
	default:
		return d.String()
	}
}
