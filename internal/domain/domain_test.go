package domain_test

import (
	"testing"

	"meterline/internal/domain"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to domain.JobStatus }{
		{domain.JobQueued, domain.JobRunning},
		{domain.JobQueued, domain.JobCancelled},
		{domain.JobRunning, domain.JobDone},
		{domain.JobRunning, domain.JobFailed},
		{domain.JobRunning, domain.JobRetrying},
		{domain.JobRunning, domain.JobCancelled},
		{domain.JobRetrying, domain.JobRunning},
		{domain.JobRetrying, domain.JobFailed},
	}
	for _, c := range allowed {
		if !domain.CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be allowed", c.from, c.to)
		}
	}
	denied := []struct{ from, to domain.JobStatus }{
		{domain.JobQueued, domain.JobDone},
		{domain.JobDone, domain.JobRunning},
		{domain.JobFailed, domain.JobRunning},
		{domain.JobCancelled, domain.JobRunning},
		{domain.JobDone, domain.JobQueued},
		{domain.JobRetrying, domain.JobCancelled},
	}
	for _, c := range denied {
		if domain.CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be denied", c.from, c.to)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []domain.JobStatus{domain.JobDone, domain.JobFailed, domain.JobCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []domain.JobStatus{domain.JobQueued, domain.JobRunning, domain.JobRetrying} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestRoutingTable(t *testing.T) {
	cases := []struct {
		jobType  domain.JobType
		queue    string
		priority int
	}{
		{domain.JobSimulationRun, "montecarlo", 30},
		{domain.JobModelRecompute, "default", 50},
		{domain.JobDataImport, "default", 50},
		{domain.JobConnectorSync, "connectors", 50},
		{domain.JobExportStandard, "exports", 70},
		{domain.JobExportInvestor, "exports", 75},
		{domain.JobScheduledTrigger, "default", 30},
		{domain.JobAlertCheck, "default", 80},
		{domain.JobInteractiveChat, "default", 90},
	}
	for _, c := range cases {
		r, ok := domain.RoutingFor(c.jobType)
		if !ok {
			t.Errorf("no routing for %s", c.jobType)
			continue
		}
		if r.Queue != c.queue || r.Priority != c.priority {
			t.Errorf("%s routed to %s/%d, want %s/%d", c.jobType, r.Queue, r.Priority, c.queue, c.priority)
		}
	}
	if _, ok := domain.RoutingFor("made_up"); ok {
		t.Error("unknown type should not resolve")
	}
}

func TestPlanLimits(t *testing.T) {
	free := domain.LimitsFor(domain.TierFree)
	if free.SimulationUnits != 5000 || free.Exports != 20 || free.Alerts != 10 {
		t.Fatalf("free limits: %+v", free)
	}
	ent := domain.LimitsFor(domain.TierEnterprise)
	if ent.SimulationUnits != 100000 || ent.Exports != 1000 || ent.Alerts != 50 {
		t.Fatalf("enterprise limits: %+v", ent)
	}
	// Unknown tiers fall back to free.
	if domain.LimitsFor("mystery") != free {
		t.Fatal("unknown tier should default to free")
	}
}

func TestDecodeJobLogsLegacyShapes(t *testing.T) {
	logs := domain.DecodeJobLogs([]byte(`[{"ts":"2025-01-01T00:00:00Z","level":"info","message":"queued"}]`))
	if len(logs) != 1 || logs[0].Message != "queued" {
		t.Fatalf("array shape: %+v", logs)
	}

	logs = domain.DecodeJobLogs([]byte(`{"ts":"2025-01-01T00:00:00Z","message":"single"}`))
	if len(logs) != 1 || logs[0].Message != "single" {
		t.Fatalf("object shape: %+v", logs)
	}

	logs = domain.DecodeJobLogs([]byte(`"just text"`))
	if len(logs) != 1 || logs[0].Message != "just text" {
		t.Fatalf("string shape: %+v", logs)
	}

	if logs := domain.DecodeJobLogs(nil); logs != nil {
		t.Fatalf("nil input: %+v", logs)
	}
	if logs := domain.DecodeJobLogs([]byte(`42`)); logs != nil {
		t.Fatalf("garbage input: %+v", logs)
	}
}

func TestEncodeJobLogsNeverNull(t *testing.T) {
	b, err := domain.EncodeJobLogs(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "[]" {
		t.Fatalf("nil logs encoded as %s", b)
	}
}
