package templates

import (
	"embed"
	"html/template"
	"io"
	"log/slog"

	"github.com/nuts-foundation/zorgadresboek/lib/logging"
)

//go:embed *.html
var tmplFS embed.FS

func RenderWithBase(w io.Writer, name string, data any) {
	ts, err := template.ParseFS(tmplFS, "base.html", name)
	if err != nil {
		slog.Error("Failed to parse template", logging.Error(err))
		return
	}
	if err := ts.ExecuteTemplate(w, "base", data); err != nil {
		slog.Error("Failed to execute template", logging.Error(err))
	}
}
