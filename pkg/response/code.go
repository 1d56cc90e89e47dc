package response

// 业务状态码
const (
	CodeSuccess = 0
	CodeError   = 1

	// 认证错误 100xx
	ErrAuthFailed   = 10003
	ErrTokenInvalid = 10004
	ErrNoPermission = 10005

	// 论坛模块错误 300xx
	ErrNodeNotFound       = 30001
	ErrInvalidTransition  = 30002
	ErrFloodRejected      = 30003
	ErrDuplicateRejected  = 30004
	ErrInvalidParent      = 30005
	ErrPropagationPartial = 30006

	// 系统错误 500xx
	ErrServerInternal  = 50001
	ErrInvalidParam    = 50002
	ErrTooManyRequests = 50003
)
