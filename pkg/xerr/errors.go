package xerr

import "fmt"

// 常用错误码定义
const (
	OK                 = 200
	ServerCommonError  = 500
	RequestParamsError = 400
	DbError            = 501
	RecordNotFound     = 404

	// 资金相关
	InsufficientReserve = 601 // 金库储备不足，无法垫付矿工费
	FundingRateCapped   = 602 // 当前小时的垫资额度已用完
	BroadcastRejected   = 603 // 链上广播被拒绝
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "服务器开小差了"
	case RequestParamsError:
		return "参数错误"
	case DbError:
		return "数据库繁忙"
	case RecordNotFound:
		return "记录不存在"
	case InsufficientReserve:
		return "金库储备不足"
	case FundingRateCapped:
		return "垫资限额已用完"
	case BroadcastRejected:
		return "广播被拒绝"
	default:
		return "未知错误"
	}
}
