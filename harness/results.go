package harness

import (
	"fmt"
	"strings"
	"sync"
)

// Failure describes one failed or suspicious check.
type Failure struct {
	Line     int64  `yaml:"line,omitempty"`
	Client   string `yaml:"client,omitempty"`
	Reason   string `yaml:"reason"`
	Expected string `yaml:"expected,omitempty"`
	Received string `yaml:"received,omitempty"`
}

func (f Failure) format(label string) string {
	var b strings.Builder
	b.WriteString(label)
	if f.Line > 0 {
		fmt.Fprintf(&b, " line %d", f.Line)
	}
	b.WriteString(": ")
	b.WriteString(f.Reason)
	if f.Expected != "" {
		b.WriteString("\n  expected: ")
		b.WriteString(f.Expected)
	}
	if f.Received != "" {
		b.WriteString("\n  received: ")
		b.WriteString(f.Received)
	}
	return b.String()
}

// Summary is a snapshot of a run's results.
type Summary struct {
	Passed        int       `yaml:"passed"`
	Failed        int       `yaml:"failed"`
	Warned        int       `yaml:"warnings"`
	Requests      int       `yaml:"requests"`
	Responses     int       `yaml:"responses"`
	BytesSent     uint64    `yaml:"bytes_sent"`
	BytesReceived uint64    `yaml:"bytes_received"`
	Failures      []Failure `yaml:"failures,omitempty"`
	Warnings      []Failure `yaml:"warning_details,omitempty"`
}

// Results accumulates outcomes from every actor.
type Results struct {
	mu sync.Mutex
	s  Summary
}

func (r *Results) pass() {
	r.mu.Lock()
	r.s.Passed++
	r.mu.Unlock()
}

func (r *Results) fail(f Failure) {
	r.mu.Lock()
	r.s.Failed++
	r.s.Failures = append(r.s.Failures, f)
	r.mu.Unlock()
}

func (r *Results) warn(f Failure) {
	r.mu.Lock()
	r.s.Warned++
	r.s.Warnings = append(r.s.Warnings, f)
	r.mu.Unlock()
}

func (r *Results) sent(n int) {
	r.mu.Lock()
	r.s.Requests++
	r.s.BytesSent += uint64(n)
	r.mu.Unlock()
}

func (r *Results) received(n int) {
	r.mu.Lock()
	r.s.Responses++
	r.s.BytesReceived += uint64(n)
	r.mu.Unlock()
}

// Snapshot returns a copy of the current results.
func (r *Results) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.s
	s.Failures = append([]Failure(nil), r.s.Failures...)
	s.Warnings = append([]Failure(nil), r.s.Warnings...)
	return s
}

// Failed returns the number of failures so far.
func (r *Results) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.Failed
}
