package swap

// Action is a single on-chain step of a swap.
type Action string

var (
	ActionDeploySrc   Action = "deploySrc"
	ActionDeployDst   Action = "deployDst"
	ActionWithdrawDst Action = "withdrawDst"
	ActionWithdrawSrc Action = "withdrawSrc"
	ActionCancelDst   Action = "cancelDst"
	ActionCancelSrc   Action = "cancelSrc"
)
