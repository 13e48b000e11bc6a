// Package rebuild は再構築ジョブパイプラインの中核を提供します。
//
// パイプラインは抽出済みの内容を移し替えるだけで、新しい内容を
// 合成することはありません。
package rebuild

import "fmt"

// エラーコード。APIレスポンスとジョブのerror_messageの分類に使います。
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeReferenceNotFound = "REFERENCE_NOT_FOUND"
	CodeMappingInfeasible = "MAPPING_INFEASIBLE"
	CodeStorageUnavail    = "STORAGE_UNAVAILABLE"
	CodeVerifyFailed      = "VERIFY_FAILED"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error はコード付きのドメインエラーです。
type Error struct {
	Code    string
	Message string
	cause   error
}

// NewError は Error を作成します。
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError は原因を保持した Error を作成します。
func WrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}
