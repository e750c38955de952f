package rental

const (
	operationRegister = "register"
	operationRent     = "rent"
	operationReturn   = "return"
	operationTopUp    = "top_up"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	secondsPerMinute = 60
)
