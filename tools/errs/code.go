package errs

// 协议错误码，与客户端 rpc_error.code 一一对应
const (
	BadRequest         = 1
	NotAuthenticated   = 2
	RateLimited        = 3
	Internal           = 4
	InvalidPeer        = 5
	InvalidMessageID   = 6
	InvalidUserID      = 7
	AlreadyMember      = 8
	InvalidSpaceID     = 9
	InvalidChatID      = 10
	SeqConflict        = 20 // 发号锁超时/序列化失败，可整体重试事务
	HistoryUnavailable = 21 // 请求区间已被保留策略清理
)

var (
	ErrBadRequest         = NewCodeError(BadRequest, "bad request")
	ErrNotAuthenticated   = NewCodeError(NotAuthenticated, "not authenticated")
	ErrRateLimited        = NewCodeError(RateLimited, "rate limited")
	ErrInternal           = NewCodeError(Internal, "internal error")
	ErrInvalidPeer        = NewCodeError(InvalidPeer, "invalid peer")
	ErrInvalidMessageID   = NewCodeError(InvalidMessageID, "invalid message id")
	ErrInvalidUserID      = NewCodeError(InvalidUserID, "invalid user id")
	ErrAlreadyMember      = NewCodeError(AlreadyMember, "already member")
	ErrInvalidSpaceID     = NewCodeError(InvalidSpaceID, "invalid space id")
	ErrInvalidChatID      = NewCodeError(InvalidChatID, "invalid chat id")
	ErrSeqConflict        = NewCodeError(SeqConflict, "sequence conflict")
	ErrHistoryUnavailable = NewCodeError(HistoryUnavailable, "history unavailable")
)

// Retryable 仅发号冲突允许调用方整体重试
func Retryable(err error) bool {
	return Code(err) == SeqConflict
}
