package shared

// Ledger permissions declared for RBAC. Roles are granted upstream.
const (
	PermLedgerView       = "ledger.view"
	PermLedgerPost       = "ledger.post"
	PermLedgerApprove    = "ledger.approve"
	PermLedgerCycleClose = "ledger.cycle.close"
	PermLedgerAdjust     = "ledger.adjust"
)

// LedgerScopes lists all permissions related to the ledger.
func LedgerScopes() []string {
	return []string{
		PermLedgerView,
		PermLedgerPost,
		PermLedgerApprove,
		PermLedgerCycleClose,
		PermLedgerAdjust,
	}
}
