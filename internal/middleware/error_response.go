package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/authportal/internal/model"
)

// ErrorResponseBody はページのスクリプトが表示するエラー本文。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

const errCodeInternal = "INTERNAL_ERROR"

// statusByCode はエラーコードごとのHTTPステータス。
// Auth Service側の失敗は502、判定待ちのタイムアウトは再試行可能な503とする。
var statusByCode = map[string]int{
	model.ErrCodeUnknownProvider:       http.StatusBadRequest,
	model.ErrCodeCSRFTokenInvalid:      http.StatusForbidden,
	model.ErrCodeOAuthInitiationFailed: http.StatusBadGateway,
	model.ErrCodeSignOutFailed:         http.StatusBadGateway,
	model.ErrCodeSessionUnresolved:     http.StatusServiceUnavailable,
	errCodeInternal:                    http.StatusInternalServerError,
}

// sessionRetryAfter はSESSION_UNRESOLVEDで返すRetry-After（秒）。
const sessionRetryAfter = "1"

// StatusForCode はエラーコードに対応するHTTPステータスを返す。未知のコードは500。
func StatusForCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteError はサインイン・サインアウトなどの操作エラーをレスポンスにする。
// errがモデルのエラー型であればその内容を、そうでなければfallbackを返す。
func WriteError(w http.ResponseWriter, err error, fallback *model.APIError) {
	apiErr := model.APIErrorFrom(err)
	if apiErr == nil {
		apiErr = fallback
	}
	WriteAPIError(w, apiErr)
}

// WriteAPIError はエラーコードから決まるステータスでapiErrを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	if apiErr == nil {
		WriteInternalServerError(w)
		return
	}
	status := StatusForCode(apiErr.Code)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", sessionRetryAfter)
	}
	WriteErrorResponse(w, status, apiErr)
}

// WriteErrorResponse は指定のステータスでエラー本文を書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は詳細を伏せた500を書き込む。原因はログにのみ残すこと。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     errCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
