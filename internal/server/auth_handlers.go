package server

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/dgellow/idfront/internal/adminauth"
	"github.com/dgellow/idfront/internal/flow"
	"github.com/dgellow/idfront/internal/gate"
	jsonwriter "github.com/dgellow/idfront/internal/json"
	"github.com/dgellow/idfront/internal/log"
	"github.com/dgellow/idfront/internal/registry"
	"github.com/dgellow/idfront/internal/session"
	"github.com/dgellow/idfront/internal/urlutil"
)

// WidgetSource renders the login page widgets
type WidgetSource interface {
	RenderWidgets(renderer registry.Renderer, targetSyntax string) []registry.RenderedWidget
}

// AuthHandlers serves the login page, the flow endpoints and logout
type AuthHandlers struct {
	widgets     WidgetSource
	flows       *flow.Controller
	sessions    *session.Manager
	gate        *gate.Gate
	baseURL     string
	loginPath   string
	adminEmails []string
}

// AuthHandlersOptions configures AuthHandlers
type AuthHandlersOptions struct {
	Widgets     WidgetSource
	Flows       *flow.Controller
	Sessions    *session.Manager
	Gate        *gate.Gate
	BaseURL     string
	LoginPath   string
	AdminEmails []string
}

// NewAuthHandlers creates the authentication handlers
func NewAuthHandlers(opts AuthHandlersOptions) *AuthHandlers {
	loginPath := opts.LoginPath
	if loginPath == "" {
		loginPath = "/login"
	}
	return &AuthHandlers{
		widgets:     opts.Widgets,
		flows:       opts.Flows,
		sessions:    opts.Sessions,
		gate:        opts.Gate,
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		loginPath:   loginPath,
		adminEmails: opts.AdminEmails,
	}
}

// LoginHandler shows the login page. A provider return landing on the
// login page is completed here as well.
func (h *AuthHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteStatus(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessionID, err := h.sessions.ID(w, r)
	if err != nil {
		log.LogErrorWithFields("server", "Failed to establish session", map[string]any{"error": err.Error()})
		jsonwriter.WriteInternalServerError(w, "Failed to establish session")
		return
	}

	if h.flows.DetectReturn(r.Context(), sessionID, r.URL.Query()) {
		h.completeReturn(w, r, sessionID)
		return
	}

	h.renderLogin(w, r, http.StatusOK, h.takeLastError(r, sessionID))
}

// StartHandler begins a flow with the provider named in the query and
// sends the browser to it. Failures re-render the login page.
func (h *AuthHandlers) StartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteStatus(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessionID, err := h.sessions.ID(w, r)
	if err != nil {
		log.LogErrorWithFields("server", "Failed to establish session", map[string]any{"error": err.Error()})
		jsonwriter.WriteInternalServerError(w, "Failed to establish session")
		return
	}

	q := r.URL.Query()
	location, err := h.browserLocation(q.Get("browserLocation"))
	if err != nil {
		h.renderLogin(w, r, http.StatusBadRequest, "Invalid browser location.")
		return
	}

	result, err := h.flows.Start(r.Context(), sessionID, flow.StartRequest{
		Provider:        q.Get("provider"),
		BrowserLocation: location,
		Redirect:        q.Get(gate.RedirectParam),
	})
	if err != nil {
		if errors.Is(err, flow.ErrProviderUnavailable) {
			h.renderLogin(w, r, http.StatusBadRequest, "This login provider is not available.")
			return
		}
		h.renderLogin(w, r, http.StatusInternalServerError, "The login could not be started. Please try again later.")
		return
	}

	http.Redirect(w, r, result.AuthorizationURL, http.StatusFound)
}

// ReturnHandler completes a flow when the provider sends the browser back
func (h *AuthHandlers) ReturnHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteStatus(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sessionID, ok := h.sessions.Existing(r)
	if !ok {
		log.LogWarnWithFields("server", "Provider return without session", nil)
		h.renderLogin(w, r, http.StatusBadRequest, "Your login session expired. Please try again.")
		return
	}
	h.completeReturn(w, r, sessionID)
}

func (h *AuthHandlers) completeReturn(w http.ResponseWriter, r *http.Request, sessionID string) {
	result := h.flows.CompleteReturn(r.Context(), sessionID, r.URL.Query())
	if result.OK() {
		target := result.Redirect
		if target == "" {
			target = h.baseURL + "/"
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	// The message is shown now, not again on the next visit
	h.takeLastError(r, sessionID)
	status := http.StatusUnauthorized
	if errors.Is(result.Err, flow.ErrReturnNotPending) {
		status = http.StatusBadRequest
	}
	h.renderLogin(w, r, status, result.Message)
}

// LogoutHandler runs the gate on the logout path, which forgets the
// identity and the session's flow data, then shows the login page
func (h *AuthHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := h.gate.Check(w, r); err != nil {
		log.LogErrorWithFields("server", "Logout failed", map[string]any{"error": err.Error()})
		jsonwriter.WriteInternalServerError(w, "Logout failed")
		return
	}
	http.Redirect(w, r, h.loginPath, http.StatusFound)
}

// MeHandler returns the authenticated principal
func (h *AuthHandlers) MeHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := gate.PrincipalFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "Unauthorized")
		return
	}
	jsonwriter.WriteResponse(w, http.StatusOK, map[string]any{
		"id":       p.UserID,
		"username": p.Username,
		"email":    p.Email,
		"admin":    adminauth.IsAdmin(p.User, h.adminEmails),
	})
}

// browserLocation validates the location a flow is started from. It must
// be on this server; an empty one means the login page.
func (h *AuthHandlers) browserLocation(raw string) (string, error) {
	loginURL, err := urlutil.ExternalURL(h.baseURL, h.loginPath)
	if err != nil {
		return "", err
	}
	if raw == "" {
		return loginURL, nil
	}
	return flow.ResolveRedirect(loginURL, raw)
}

func (h *AuthHandlers) takeLastError(r *http.Request, sessionID string) string {
	var message string
	err := h.sessions.Store().Update(r.Context(), sessionID, func(s *session.State) error {
		message = s.TakeLastError()
		return nil
	})
	if err != nil {
		log.LogWarnWithFields("server", "Failed to read last login error", map[string]any{"error": err.Error()})
	}
	return message
}

func (h *AuthHandlers) renderLogin(w http.ResponseWriter, r *http.Request, status int, message string) {
	redirect := r.URL.Query().Get(gate.RedirectParam)

	rendered := h.widgets.RenderWidgets(registry.TemplateRenderer{}, registry.SyntaxHTML)
	data := LoginPageData{Error: message}
	for _, rw := range rendered {
		if rw.Native {
			data.Widgets = append(data.Widgets, LoginWidget{Native: true})
			continue
		}
		data.HasProviders = true
		data.Widgets = append(data.Widgets, LoginWidget{
			Provider: rw.Provider,
			// Widget templates come from the provider configuration
			Markup:   template.HTML(rw.Markup),
			StartURL: h.startURL(rw.Provider, redirect),
		})
	}

	setPageHeaders(w.Header())
	w.WriteHeader(status)
	if err := loginPageTemplate.Execute(w, data); err != nil {
		log.LogErrorWithFields("server", "Failed to render login page", map[string]any{"error": err.Error()})
	}
}

func (h *AuthHandlers) startURL(provider, redirect string) string {
	q := url.Values{}
	q.Set("provider", provider)
	if redirect != "" {
		q.Set(gate.RedirectParam, redirect)
	}
	return h.loginPath + "/start?" + q.Encode()
}
