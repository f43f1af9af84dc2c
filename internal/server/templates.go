package server

import (
	_ "embed"
	"html/template"
)

//go:embed templates/login.html
var loginPageTemplateHTML string

var loginPageTemplate = template.Must(template.New("login").Parse(loginPageTemplateHTML))

// LoginPageData represents the data for the login page
type LoginPageData struct {
	Widgets      []LoginWidget
	Error        string
	HasProviders bool
}

// LoginWidget represents a single entry of the login page
type LoginWidget struct {
	Provider string
	Native   bool
	Markup   template.HTML
	StartURL string
}
