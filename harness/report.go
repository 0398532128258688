package harness

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Report is the machine-readable outcome of a run.
type Report struct {
	RunID    string    `yaml:"run_id"`
	Script   string    `yaml:"script,omitempty"`
	Started  time.Time `yaml:"started"`
	Duration string    `yaml:"duration"`
	Result   string    `yaml:"result"`
	Summary  `yaml:",inline"`
}

// Report builds a report from the results so far.
func (h *Harness) Report() Report {
	sum := h.results.Snapshot()
	result := "pass"
	if sum.Failed > 0 {
		result = "fail"
	}
	return Report{
		RunID:    h.RunID(),
		Script:   h.script,
		Started:  h.started.UTC(),
		Duration: time.Since(h.started).Round(time.Millisecond).String(),
		Result:   result,
		Summary:  sum,
	}
}

// WriteYAML writes the report as YAML.
func (r Report) WriteYAML(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer func() { _ = encoder.Close() }()
	return encoder.Encode(r)
}

// String returns a one-line human summary.
func (r Report) String() string {
	return fmt.Sprintf("%s: %s passed, %s failed, %s warnings; %s requests (%s), %s responses (%s) in %s",
		strings.ToUpper(r.Result),
		humanize.Comma(int64(r.Passed)),
		humanize.Comma(int64(r.Failed)),
		humanize.Comma(int64(r.Warned)),
		humanize.Comma(int64(r.Requests)),
		compactBytes(r.BytesSent),
		humanize.Comma(int64(r.Responses)),
		compactBytes(r.BytesReceived),
		r.Duration)
}

func compactBytes(n uint64) string {
	return strings.ReplaceAll(humanize.Bytes(n), " ", "")
}
