package fuzz

import (
	"strings"
	"testing"
)

func TestStatsRecord(t *testing.T) {
	s := NewStats()
	s.Record(ExitOK)
	s.Record(ExitCrash)
	s.Record(ExitTimeout)
	s.Record(ExitTimeout)

	r := s.report()
	if r.Execs != 4 || r.Crashes != 1 || r.Timeouts != 2 {
		t.Errorf("report = %+v", r)
	}
	if s.Execs() != 4 {
		t.Errorf("execs = %d", s.Execs())
	}
}

func TestReportLine(t *testing.T) {
	line := Report{Execs: 12345, Crashes: 1, Corpus: 7, Edges: 99, Workers: 2}.Line()
	for _, want := range []string{"executions", "12,345", "edges", "clients", "objectives"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}
