package domain

// JobType is the closed set of background work kinds the orchestrator routes.
type JobType string

const (
	JobSimulationRun   JobType = "simulation_run"
	JobModelRecompute  JobType = "model_recompute"
	JobDataImport      JobType = "data_import"
	JobConnectorSync   JobType = "connector_sync"
	JobExportStandard  JobType = "export_standard"
	JobExportInvestor  JobType = "export_investor"
	JobScheduledTrigger JobType = "scheduled_trigger"
	JobAlertCheck      JobType = "alert_check"
	JobInteractiveChat JobType = "interactive_chat"
)

// Routing is the default queue and priority a job type is dispatched with
// when the caller supplies neither. Higher priority is served sooner.
type Routing struct {
	Queue    string
	Priority int
}

// jobRouting is part of the compatibility contract with deployed workers and
// must not be changed without coordinating a queue migration.
var jobRouting = map[JobType]Routing{
	JobSimulationRun:    {Queue: "montecarlo", Priority: 30},
	JobModelRecompute:   {Queue: "default", Priority: 50},
	JobDataImport:       {Queue: "default", Priority: 50},
	JobConnectorSync:    {Queue: "connectors", Priority: 50},
	JobExportStandard:   {Queue: "exports", Priority: 70},
	JobExportInvestor:   {Queue: "exports", Priority: 75},
	JobScheduledTrigger: {Queue: "default", Priority: 30},
	JobAlertCheck:       {Queue: "default", Priority: 80},
	JobInteractiveChat:  {Queue: "default", Priority: 90},
}

// RoutingFor returns the default routing for a job type and whether the type
// is known.
func RoutingFor(t JobType) (Routing, bool) {
	r, ok := jobRouting[t]
	return r, ok
}

// Tier is a subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// UnlimitedSentinel marks a quota limit as untracked: any limit at or above
// this value always allows and never records usage.
const UnlimitedSentinel int64 = 999_999_999

// PlanLimits are the per-tier monthly allotments.
type PlanLimits struct {
	SimulationUnits int64
	Exports         int64
	Alerts          int64
}

var planLimits = map[Tier]PlanLimits{
	TierFree:       {SimulationUnits: 5_000, Exports: 20, Alerts: 10},
	TierPro:        {SimulationUnits: 10_000, Exports: 100, Alerts: 20},
	TierEnterprise: {SimulationUnits: 100_000, Exports: 1_000, Alerts: 50},
}

// LimitsFor returns the plan limits for a tier, defaulting to free for
// unknown tiers so an org with a bad tier value never gets unlimited usage.
func LimitsFor(t Tier) PlanLimits {
	if l, ok := planLimits[t]; ok {
		return l
	}
	return planLimits[TierFree]
}

// Limit returns the allotment for one quota resource.
func (p PlanLimits) Limit(res QuotaResource) int64 {
	switch res {
	case ResourceSimulations:
		return p.SimulationUnits
	case ResourceExports:
		return p.Exports
	case ResourceAlerts:
		return p.Alerts
	}
	return 0
}
