package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/idleprobe/internal/model"
)

var outcomeLabels = map[model.Outcome]string{
	model.OutcomeReceived:       "Received",
	model.OutcomeReceivedNoData: "Received (no data)",
	model.OutcomeRaceCondition:  "Race conditions",
	model.OutcomeFetchError:     "Fetch errors",
	model.OutcomeTimeout:        "Timeouts",
}

// WriteText renders r for humans. Counts use English digit grouping.
func WriteText(w io.Writer, r model.AggregateReport) error {
	b := &textWriter{w: w, p: message.NewPrinter(language.English)}

	if r.RunID != "" {
		b.line("Run:    " + r.RunID)
	}
	if r.Marker != "" {
		b.line("Marker: " + r.Marker)
	}

	b.section("Results")
	b.count("Armed waiters", r.Armed)
	for _, o := range model.AllOutcomes {
		b.count(outcomeLabels[o], r.Count(o))
	}
	b.count("Verified", r.Verified)
	b.row("Success rate", percent(r.SuccessRate))
	b.row("Timeout rate", percent(r.TimeoutRate))

	pr := r.Provision
	b.section("Provisioning")
	b.count("Requested", pr.Requested)
	b.count("Provisioned", pr.Provisioned)
	b.count("Failed", pr.Failed)
	b.count("Slow logins", pr.SlowLogins)
	b.timing("Submit connect", pr.SubmitConnect)
	b.timing("Submit login", pr.SubmitLogin)
	b.timing("Retrieve connect", pr.RetrieveConnect)
	b.timing("Retrieve login", pr.RetrieveLogin)

	s := r.Sends
	b.section("Broadcast")
	b.count("Sent", s.Sent)
	b.count("Failed", s.Failed)
	b.count("Retried", s.Retried)
	b.count("Slow sends", s.SlowSends)
	b.timing("Send latency", s.Latency)

	ph := r.Phases
	b.section("Phases")
	b.row("Startup", round(ph.Startup))
	b.row("Provision", round(ph.Provision))
	b.row("Arm", round(ph.Arm))
	b.row("Broadcast", round(ph.Broadcast))
	b.row("Verify", round(ph.Verify))
	b.row("Total", round(ph.Total))

	b.line("")
	if r.Pass {
		b.line("Verdict: PASS")
	} else {
		b.line(fmt.Sprintf("Verdict: FAIL (%s) %s", r.Violation, r.Detail))
	}
	return b.err
}

func percent(f float64) string {
	return fmt.Sprintf("%.1f%%", f*100)
}

func round(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

// textWriter keeps the first write error so rendering code stays linear.
type textWriter struct {
	w   io.Writer
	p   *message.Printer
	err error
}

func (t *textWriter) line(s string) {
	if t.err != nil {
		return
	}
	_, t.err = io.WriteString(t.w, s+"\n")
}

func (t *textWriter) section(name string) {
	t.line("")
	t.line(name)
}

func (t *textWriter) row(label, value string) {
	t.line(fmt.Sprintf("  %-20s %s", label, value))
}

func (t *textWriter) count(label string, n int) {
	t.row(label, t.p.Sprintf("%d", n))
}

func (t *textWriter) timing(label string, st model.TimingStat) {
	if st.Count == 0 {
		return
	}
	t.row(label, "avg "+round(st.Avg)+"  max "+round(st.Max))
}

// WriteJSON renders r as indented JSON.
func WriteJSON(w io.Writer, r model.AggregateReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Summary is the one-line verdict used in logs and errors.
func Summary(r model.AggregateReport) string {
	p := message.NewPrinter(language.English)
	verdict := "PASS"
	if !r.Pass {
		verdict = fmt.Sprintf("FAIL (%s)", r.Violation)
	}
	return p.Sprintf("%s: %d armed, %d received, %d races, %d fetch errors, %d timeouts, %s success",
		verdict, r.Armed,
		r.Count(model.OutcomeReceived)+r.Count(model.OutcomeReceivedNoData),
		r.Count(model.OutcomeRaceCondition),
		r.Count(model.OutcomeFetchError),
		r.Count(model.OutcomeTimeout),
		percent(r.SuccessRate),
	)
}
