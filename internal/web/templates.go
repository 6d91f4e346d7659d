package web

import (
	"html/template"
	"net/http"

	"UATChat/internal/session"
)

type indexData struct {
	Turns      []session.Turn
	Keys       []string
	CurrentKey string
	Timings    string
}

type settingsData struct {
	SystemPrompt string
	Template     string
}

func (s *Server) render(w http.ResponseWriter, tmpl *template.Template, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render template", "template", tmpl.Name(), "error", err)
	}
}

var chatPage = template.Must(template.New("chat").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>UAT Chat</title>
<style>
body { font-family: sans-serif; max-width: 960px; margin: 2em auto; display: flex; gap: 2em; }
nav { width: 240px; flex-shrink: 0; }
main { flex-grow: 1; }
.turn { margin: 0.5em 0; padding: 0.6em; border-radius: 6px; white-space: pre-wrap; }
.turn.user { background: #e8f0fe; }
.turn.model { background: #f1f3f4; }
.turn.error { background: #fce8e6; color: #a50e0e; }
.sessions a { display: block; margin: 0.3em 0; font-size: 0.85em; word-break: break-all; }
.sessions .active { font-weight: bold; }
textarea { width: 100%; box-sizing: border-box; }
details.timings { margin-top: 1em; font-size: 0.8em; color: #555; }
</style>
</head>
<body>
<nav>
  <h2>Sessions</h2>
  <p><a href="/new_chat">New chat</a> &middot; <a href="/settings">Settings</a></p>
  <div class="sessions">
  {{range .Keys}}
    <a href="/session/{{.}}" {{if eq . $.CurrentKey}}class="active"{{end}}>{{.}}</a>
  {{else}}
    <p><em>No saved sessions.</em></p>
  {{end}}
  </div>
</nav>
<main>
  <h1>UAT Chat</h1>
  {{range .Turns}}
  <div class="turn {{.Role}}">{{.Content}}</div>
  {{else}}
  <p><em>Start a conversation below.</em></p>
  {{end}}
  <form method="post" action="/ask">
    <textarea name="prompt" rows="4" placeholder="Enter a user story or question" required></textarea>
    <p>
      <label>Max tokens <input type="number" name="max_tokens" value="512" min="1"></label>
      <button type="submit">Ask</button>
    </p>
  </form>
  <form method="post" action="/save_session">
    <button type="submit" {{if not .Turns}}disabled{{end}}>Save session</button>
  </form>
  {{if .Timings}}
  <details class="timings"><summary>Generation timings</summary><pre>{{.Timings}}</pre></details>
  {{end}}
</main>
</body>
</html>
`))

var settingsPage = template.Must(template.New("settings").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>UAT Chat - Settings</title>
<style>
body { font-family: sans-serif; max-width: 720px; margin: 2em auto; }
textarea { width: 100%; box-sizing: border-box; }
</style>
</head>
<body>
<h1>Settings</h1>
<p><a href="/">Back to chat</a></p>
<form method="post" action="/update_system_prompt">
  <h2>System prompt</h2>
  <textarea name="system_prompt" rows="4">{{.SystemPrompt}}</textarea>
  <p><button type="submit">Update system prompt</button></p>
</form>
<form method="post" action="/update_settings">
  <h2>Instruction template</h2>
  <p>Must contain the <code>{prompt}</code> placeholder exactly once.</p>
  <textarea name="template" rows="3">{{.Template}}</textarea>
  <p><button type="submit">Update template</button></p>
</form>
</body>
</html>
`))
