package api

import (
	"bytes"
	"html/template"

	"github.com/dgnsrekt/tabwatch/internal/eventbus"
)

var docsTemplate = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
  <title>tabwatch {{.Session}} Control API</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    #streams { position: fixed; top: 12px; right: 16px; z-index: 9999; background: #161b22;
      border: 1px solid #30363d; border-radius: 6px; padding: 6px 12px;
      font: 500 12px -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; color: #8b949e; }
    #streams a { color: #58a6ff; text-decoration: none; display: block; }
  </style>
</head>
<body style="height: 100vh; margin: 0; position: relative;">
  <nav id="streams">
    <div>Session {{.Session}} event streams</div>
    <a href="{{.Events}}">all kinds</a>
    {{- range .Kinds}}
    <a href="{{$.Events}}?kinds={{.}}">{{.}}</a>
    {{- end}}
  </nav>
  <elements-api
    apiDescriptionUrl="/openapi.json"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
    darkMode
  />
</body>
</html>`))

// docsPage renders the API reference page with links to the event stream,
// one per event kind.
func docsPage(sessionLabel string) ([]byte, error) {
	var buf bytes.Buffer
	err := docsTemplate.Execute(&buf, struct {
		Session string
		Events  string
		Kinds   []eventbus.Kind
	}{Session: sessionLabel, Events: eventsPath, Kinds: eventbus.AllKinds})
	return buf.Bytes(), err
}
