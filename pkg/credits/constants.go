package credits

const (
	operationBalance    = "balance"
	operationPurchase   = "purchase"
	operationUsage      = "usage"
	operationAdjustment = "adjustment"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
