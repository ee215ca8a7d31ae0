package handler

import (
	"bytes"
	"html"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authportal/internal/middleware"
	"github.com/hitoshi/authportal/internal/security"
	"github.com/hitoshi/authportal/internal/session"
)

// PathRecorder はページ表示時に現在のパスを記録するインターフェース。
// browser.Hubが満たす。
type PathRecorder interface {
	Visit(path string)
}

// pageTemplate は認証入口ページのテンプレート。
// ページは/wsに接続して現在地を報告し、navigate指示に従って遷移する。
var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="ja">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
{{if .Name}}<p>{{.Name}} としてサインインしています。</p>
<button type="button" data-action="/auth/logout">サインアウト</button>
{{else}}<button type="button" data-action="/auth/google">Googleでサインイン</button>
<button type="button" data-action="/auth/github">GitHubでサインイン</button>
{{end}}<p id="error" role="alert"></p>
</main>
<script>
(function () {
  var path = {{.Path}};
  var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
  ws.onopen = function () { ws.send(JSON.stringify({type: "location", path: path})); };
  ws.onmessage = function (ev) {
    var msg = JSON.parse(ev.data);
    if (msg.type === "navigate" && msg.url) { location.assign(msg.url); }
  };
  function csrfToken() {
    return fetch("/api/csrf-token", {credentials: "same-origin"}).then(function (r) { return r.json(); }).then(function (b) { return b.token; });
  }
  document.querySelectorAll("button[data-action]").forEach(function (btn) {
    btn.addEventListener("click", function () {
      csrfToken().then(function (token) {
        return fetch(btn.dataset.action, {method: "POST", credentials: "same-origin", headers: {"X-CSRF-Token": token}});
      }).then(function (r) {
        return r.json().then(function (body) {
          if (!r.ok) { document.getElementById("error").textContent = body.message + " " + body.action; return; }
          if (body.redirect) { location.assign(body.redirect); }
        });
      });
    });
  });
})();
</script>
</body>
</html>
`))

// pageData はページテンプレートに渡す値。
type pageData struct {
	Title string
	Path  string
	Name  string
}

// PageHandler は認証入口ページ（/, /login, /signup）のHTTPハンドラー。
// ゲートミドルウェアの内側に配置し、セッション判定後にのみ描画する。
type PageHandler struct {
	recorder  PathRecorder
	dest      session.Destinations
	sanitizer *security.IdentitySanitizer
	logger    *slog.Logger
}

// NewPageHandler はPageHandlerを生成する。
// サインイン済みの訪問者はdestのダッシュボードへリダイレクトする。
func NewPageHandler(recorder PathRecorder, dest session.Destinations, sanitizer *security.IdentitySanitizer, logger *slog.Logger) *PageHandler {
	if sanitizer == nil {
		sanitizer = security.NewIdentitySanitizer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PageHandler{
		recorder:  recorder,
		dest:      dest,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// Page はtitleを見出しとするページハンドラーを返す。
// サインイン済みで認証入口ページに来た場合は描画せず303でダッシュボードへ送る。
// 描画したパスのみPathRecorderに記録する。
func (h *PageHandler) Page(title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := middleware.IdentityFromContext(r.Context())
		if identity != nil {
			if target := h.dest.AfterSignIn(r.URL.Path); !target.None() && target.URL != "" {
				h.logger.Info("サインイン済みのためダッシュボードへリダイレクトします",
					slog.String("path", r.URL.Path),
					slog.String("target", target.URL),
				)
				http.Redirect(w, r, target.URL, http.StatusSeeOther)
				return
			}
		}

		h.recorder.Visit(r.URL.Path)

		data := pageData{Title: title, Path: r.URL.Path}
		if id := h.sanitizer.Identity(identity); id != nil {
			// テンプレートが改めてエスケープするため、サニタイズ時のエンティティは戻す
			data.Name = html.UnescapeString(id.Name)
			if data.Name == "" {
				data.Name = html.UnescapeString(id.Email)
			}
		}

		var buf bytes.Buffer
		if err := pageTemplate.Execute(&buf, data); err != nil {
			h.logger.Error("ページの描画に失敗しました",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			middleware.WriteInternalServerError(w)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}
}
