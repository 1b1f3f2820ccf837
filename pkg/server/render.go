package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nstogner/klever/pkg/auth"
	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/web"
)

// historyItem is one entry of the sidebar and of GET /api/history.
type historyItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
}

type pageData struct {
	Title    string
	User     *auth.SessionUser
	History  []historyItem
	ChatID   string
	Messages []domain.DisplayMessage
	Error    string

	// Auth forms.
	State auth.ActionState
	Email string
}

type renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
	pages  map[string]*template.Template
}

func newRenderer() (*renderer, error) {
	r := &renderer{
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy: bluemonday.UGCPolicy(),
		pages:  map[string]*template.Template{},
	}
	funcs := template.FuncMap{
		"markdown": r.markdown,
		"payload":  prettyPayload,
	}
	for _, name := range []string{"chat", "login", "register", "error"} {
		t, err := template.New(name).Funcs(funcs).ParseFS(web.Templates, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// markdown renders assistant text to sanitized HTML.
func (r *renderer) markdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(r.policy.SanitizeBytes(buf.Bytes()))
}

func prettyPayload(p domain.Payload) string {
	if p.IsZero() {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, p, "", "  "); err != nil {
		return p.String()
	}
	return buf.String()
}

func (r *renderer) render(w http.ResponseWriter, status int, page string, data pageData) {
	t, ok := r.pages[page]
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	// Render to a buffer so a template error does not leave a half-written page.
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		slog.Error("Failed to render page", "page", page, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func staticFS() http.FileSystem {
	sub, err := fs.Sub(web.Static, "static")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}
