// Package notify reports patch apply failures to the series submitter.
//
// Notification is best-effort: when no mail transport is configured the
// notifier logs a warning and does nothing. A failed notification never
// fails the run; the tracking issue created by the reconciler remains the
// authoritative failure record.
package notify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tedd-an/action-patchwork-to-pr/internal/apply"
	"github.com/tedd-an/action-patchwork-to-pr/internal/series"
)

// ErrTransportUnavailable is returned by a Sender that has no usable
// transport configuration. Callers degrade to a no-op on it.
var ErrTransportUnavailable = errors.New("mail transport not configured")

// Message is one outgoing notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages. The production implementation is SMTPSender.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Notifier formats and sends apply-failure notifications.
type Notifier struct {
	sender     Sender
	maintainer string
	log        *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(n *Notifier) {
		n.log = log
	}
}

// WithMaintainer sets the fallback recipient used when the series carries
// no submitter address.
func WithMaintainer(addr string) Option {
	return func(n *Notifier) {
		n.maintainer = addr
	}
}

// New creates a Notifier delivering through sender.
func New(sender Sender, opts ...Option) *Notifier {
	n := &Notifier{
		sender: sender,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ApplyFailure notifies about a patch that did not apply. The failing patch
// file's Subject: header is matched against the series' own patch-detail
// records to recover the patch's tracker identity (message-id, web URL).
//
// Returns nil when the transport is unconfigured; that condition is logged
// and swallowed by design.
func (n *Notifier) ApplyFailure(ctx context.Context, s *series.Series, patchPath string, out apply.Outcome) error {
	subject := readSubject(patchPath)
	detail := resolvePatch(s, subject)

	to := n.maintainer
	if s.Submitter != nil && s.Submitter.Email != "" {
		to = s.Submitter.Email
	}
	if to == "" {
		n.log.Warn("no recipient for apply-failure notification", "series", s.ID)
		return nil
	}

	title := subject
	if title == "" && detail != nil {
		title = detail.Name
	}

	msg := Message{
		To:      to,
		Subject: fmt.Sprintf("RE: %s", title),
		Body:    failureBody(s, title, detail, out),
	}

	err := n.sender.Send(ctx, msg)
	if errors.Is(err, ErrTransportUnavailable) {
		n.log.Warn("mail transport not configured, skipping notification", "series", s.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("notifying apply failure of series %d: %w", s.ID, err)
	}

	n.log.Info("sent apply-failure notification", "series", s.ID, "to", to)
	return nil
}

// failureBody renders the notification text with everything a human needs
// to act: the series, the failing patch, and the literal git am output.
func failureBody(s *series.Series, title string, detail *series.PatchInfo, out apply.Outcome) string {
	var b strings.Builder

	fmt.Fprintf(&b, "This patch series failed to apply cleanly and was not turned into a pull request.\n\n")
	fmt.Fprintf(&b, "Series:  #%d - %s\n", s.ID, s.DisplayName())
	fmt.Fprintf(&b, "Patch:   %s (#%d in the series)\n", title, out.FailedPatch+1)
	if detail != nil {
		if detail.MsgID != "" {
			fmt.Fprintf(&b, "Msg-Id:  %s\n", detail.MsgID)
		}
		if detail.WebURL != "" {
			fmt.Fprintf(&b, "URL:     %s\n", detail.WebURL)
		}
	}

	b.WriteString("\nOutput of git am:\n\n")
	if out.Stdout != "" {
		b.WriteString(out.Stdout)
		b.WriteString("\n")
	}
	if out.Stderr != "" {
		b.WriteString(out.Stderr)
		b.WriteString("\n")
	}

	b.WriteString("\nPlease rebase the series onto the current base branch and send it again.\n")
	return b.String()
}

// readSubject extracts the Subject: header from an mbox-formatted patch
// file, unfolding continuation lines. Returns "" when the file cannot be
// read or carries no subject.
func readSubject(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var subject string
	inSubject := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break // end of headers
		}
		if inSubject {
			// Folded header lines start with whitespace.
			if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
				subject += " " + strings.TrimSpace(line)
				continue
			}
			break
		}
		if rest, ok := strings.CutPrefix(line, "Subject:"); ok {
			subject = strings.TrimSpace(rest)
			inSubject = true
		}
	}
	return normalizeSpace(subject)
}

// resolvePatch finds the series patch-detail record whose name matches the
// given subject, by normalized substring comparison in either direction.
// The first satisfying record wins.
func resolvePatch(s *series.Series, subject string) *series.PatchInfo {
	if subject == "" {
		return nil
	}
	normSubject := strings.ToLower(normalizeSpace(subject))

	for i := range s.Patches {
		normName := strings.ToLower(normalizeSpace(s.Patches[i].Name))
		if normName == "" {
			continue
		}
		if strings.Contains(normSubject, normName) || strings.Contains(normName, normSubject) {
			return &s.Patches[i]
		}
	}
	return nil
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
