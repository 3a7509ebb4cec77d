package oauthprovider

import (
	"bytes"
	"html/template"
)

// scopeDisplay carries the per-scope icon/name/description metadata the
// approval page renders.
type scopeDisplay struct {
	Icon        string
	Name        string
	Description string
}

var knownScopes = map[string]scopeDisplay{
	"uin":                {"\U0001F464", "Chat ID", "your chat-platform numeric identity"},
	"openid":             {"\U0001F511", "Identity", "a unique identifier for your account"},
	"email":              {"\U0001F4E7", "Email", "your email address"},
	"profile":            {"\U0001F4DD", "Profile", "username, nickname and similar fields"},
	"preferred_username": {"\U0001F3F7", "Username", "your username"},
}

func describeScope(s string) scopeDisplay {
	if d, ok := knownScopes[s]; ok {
		return d
	}
	return scopeDisplay{"\U0001F4C4", s, "requests access to " + s}
}

var basePage = template.Must(template.New("base").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>{{.Body}}</body></html>`))

func renderPage(title string, body template.HTML) []byte {
	var buf bytes.Buffer
	basePage.Execute(&buf, struct {
		Title string
		Body  template.HTML
	}{title, body})
	return buf.Bytes()
}

var approvalBody = template.Must(template.New("approval").Parse(`
<h1>Authorization request</h1>
<p>{{.ClientName}} is requesting access to:</p>
<ul>
{{range .Scopes}}<li>{{.Icon}} <strong>{{.Name}}</strong> — {{.Description}}</li>
{{end}}</ul>
<p>Send the following command in chat to approve:</p>
<p><code>{{.CommandPrefix}} auth {{.VerificationCode}}</code></p>
<p>This code expires in {{.ExpireMinutes}} minutes.</p>
<script>
(function() {
  var iv = setInterval(function() {
    fetch('/authorize/check?verification_code={{.VerificationCode}}')
      .then(function(r) { return r.json(); })
      .then(function(d) {
        if (d.approved && d.redirect_uri) {
          clearInterval(iv);
          window.location.href = d.redirect_uri;
        }
      });
  }, 2000);
  setTimeout(function() { clearInterval(iv); }, {{.ExpireMillis}});
})();
</script>
`))

type approvalPageData struct {
	ClientName       string
	Scopes           []scopeDisplay
	CommandPrefix    string
	VerificationCode string
	ExpireMinutes    int
	ExpireMillis     int64
}

func renderApprovalPage(d approvalPageData) []byte {
	var buf bytes.Buffer
	approvalBody.Execute(&buf, d)
	return renderPage("Authorization request", template.HTML(buf.String()))
}

var errorBody = template.Must(template.New("error").Parse(`
<h1>{{.Heading}}</h1>
<p>{{.Message}}</p>
`))

func renderErrorPage(heading, message string) []byte {
	var buf bytes.Buffer
	errorBody.Execute(&buf, struct{ Heading, Message string }{heading, message})
	return renderPage(heading, template.HTML(buf.String()))
}

var bindResultBody = template.Must(template.New("bindresult").Parse(`
<h1>{{.Heading}}</h1>
<p>{{.Message}}</p>
`))

func renderBindResultPage(heading, message string) []byte {
	var buf bytes.Buffer
	bindResultBody.Execute(&buf, struct{ Heading, Message string }{heading, message})
	return renderPage(heading, template.HTML(buf.String()))
}
