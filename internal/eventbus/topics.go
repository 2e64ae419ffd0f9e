package eventbus

// Event types published by penny components.
const (
	// Data: recurring.Occurrence
	TypeOccurrenceMaterialized = "occurrence.materialized"
	// Data: CatchUpApplied
	TypeCatchUpApplied = "catchup.applied"
	// Data: engine.DeadLetter
	TypeJobExhausted = "job.exhausted"
	// Data: budget.Alert
	TypeBudgetAlert = "budget.alert"
	// Data: nil
	TypeConfigReloaded = "config.reloaded"
)
