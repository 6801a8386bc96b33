package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/citehub/citehub/pkg/auth"
	"github.com/citehub/citehub/pkg/bibmetrics"
	"github.com/citehub/citehub/pkg/crawl"
	"github.com/citehub/citehub/pkg/merge"
	"github.com/citehub/citehub/pkg/store"
	"github.com/citehub/citehub/pkg/users"
)

// API wires the REST handlers to the rest of the system.
type API struct {
	users     *users.Manager
	store     *store.Store
	merger    *merge.Merger
	registry  *crawl.Registry
	limiter   *auth.Limiter
	whitelist auth.Whitelist
	wake      func()
	secure    bool
	wwwRoot   string
	log       *logrus.Entry
}

// Options carries the API's dependencies.
type Options struct {
	Users     *users.Manager
	Store     *store.Store
	Merger    *merge.Merger
	Registry  *crawl.Registry
	Limiter   *auth.Limiter
	Whitelist auth.Whitelist
	// Wake notifies the crawl scheduler that source configuration changed.
	// May be nil when the crawler is disabled.
	Wake func()
	// Secure marks session cookies https-only.
	Secure bool
	// WWWRoot is the front-end checkout; files are served from its public/
	// subdirectory.
	WWWRoot string
	Log     *logrus.Entry
}

func New(opts Options) *API {
	wake := opts.Wake
	if wake == nil {
		wake = func() {}
	}
	return &API{
		users:     opts.Users,
		store:     opts.Store,
		merger:    opts.Merger,
		registry:  opts.Registry,
		limiter:   opts.Limiter,
		whitelist: opts.Whitelist,
		wake:      wake,
		secure:    opts.Secure,
		wwwRoot:   opts.WWWRoot,
		log:       opts.Log,
	}
}

// Handler builds the full route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /rest/user/register", a.handleRegister)
	mux.HandleFunc("POST /rest/user/login", a.handleLogin)
	mux.Handle("POST /rest/user/logout", a.authed(a.handleLogout))
	mux.Handle("POST /rest/user/delete", a.authed(a.handleDelete))
	mux.Handle("POST /rest/user/update-password", a.authed(a.handleUpdatePassword))
	mux.Handle("GET /rest/user/profile", a.authed(a.handleGetProfile))
	mux.Handle("POST /rest/user/profile", a.authed(a.handlePostProfile))
	mux.Handle("GET /rest/publications", a.authed(a.handlePublications))
	mux.Handle("GET /rest/metrics", a.authed(a.handleMetrics))
	mux.Handle("POST /rest/force-merge", a.authed(a.handleForceMerge))
	mux.Handle("GET /rest/takeout", a.authed(a.handleTakeout))

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/index.html", http.StatusSeeOther)
	})
	if a.wwwRoot != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(filepath.Join(a.wwwRoot, "public"))))
	}

	return mux
}

func (a *API) authed(handler http.HandlerFunc) http.Handler {
	return RequireAuth(a.users, handler)
}

// decodeBody parses the JSON request body into dst, returning a user-visible
// reason on failure.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("malformed request body")
	}
	return nil
}

// writeUserError maps account-layer errors onto responses: validation errors
// become a 400 with their reason, anything else a 500.
func (a *API) writeUserError(w http.ResponseWriter, err error) {
	var validation *users.ValidationError
	if errors.As(err, &validation) {
		WriteBadRequest(w, validation.Reason)
		return
	}
	WriteInternal(w, a.log, err)
}

func (a *API) setToken(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearToken(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !a.limiter.AllowRequest(r) {
		WriteTooManyRequests(w)
		return
	}

	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	if !a.whitelist.Admits(req.Username) {
		// Registration is closed for this name. Reported as a generic failure
		// so the endpoint does not reveal which names the whitelist holds.
		a.log.WithField("username", req.Username).Warn("registration blocked by whitelist")
		WriteReason(w, http.StatusInternalServerError, "internal server error")
		return
	}

	token, err := a.users.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		a.writeUserError(w, err)
		return
	}
	a.setToken(w, token)
	WriteJSON(w, struct{}{})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.limiter.AllowRequest(r) {
		WriteTooManyRequests(w)
		return
	}

	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	token, err := a.users.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		a.writeUserError(w, err)
		return
	}
	a.setToken(w, token)
	WriteJSON(w, struct{}{})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.users.Logout(r.Context(), UsernameFrom(r.Context())); err != nil {
		WriteInternal(w, a.log, err)
		return
	}
	a.clearToken(w)
	WriteJSON(w, struct{}{})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := a.users.Delete(r.Context(), UsernameFrom(r.Context())); err != nil {
		WriteInternal(w, a.log, err)
		return
	}
	a.clearToken(w)
	WriteJSON(w, struct{}{})
}

func (a *API) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	err := a.users.ChangePassword(r.Context(), UsernameFrom(r.Context()), req.OldPassword, req.NewPassword)
	if err != nil {
		a.writeUserError(w, err)
		return
	}
	WriteJSON(w, struct{}{})
}

// profileField is the per-field view of the profile response: the adapter's
// description plus the user's current value.
type profileField struct {
	Description string `json:"description"`
	Value       string `json:"value"`
}

func (a *API) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	username := UsernameFrom(r.Context())

	saved, err := a.store.GetSourceValues(r.Context(), username)
	if err != nil {
		WriteInternal(w, a.log, err)
		return
	}

	sources := make(map[string]map[string]profileField)
	for _, namespace := range a.registry.Namespaces() {
		src := a.registry.Get(namespace)
		fields := make(map[string]profileField)
		for field, description := range src.Fields() {
			fields[field] = profileField{
				Description: description,
				Value:       saved[namespace][field],
			}
		}
		sources[namespace] = fields
	}

	WriteJSON(w, struct {
		Username string                             `json:"username"`
		Sources  map[string]map[string]profileField `json:"sources"`
	}{Username: username, Sources: sources})
}

func (a *API) handlePostProfile(w http.ResponseWriter, r *http.Request) {
	var req map[string]map[string]string
	if err := decodeBody(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	errs := []string{}
	accepted := make(map[string]map[string]string)
	for namespace, fields := range req {
		src := a.registry.Get(namespace)
		if src == nil {
			errs = append(errs, fmt.Sprintf("unknown source %q", namespace))
			continue
		}

		known := src.Fields()
		valid := true
		for field, value := range fields {
			if _, ok := known[field]; !ok {
				errs = append(errs, fmt.Sprintf("unknown field %q of source %q", field, namespace))
				valid = false
				continue
			}
			if value == "" {
				continue
			}
			if err := src.ValidateField(field, value); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %s", namespace, err))
				valid = false
			}
		}
		if valid {
			accepted[namespace] = fields
		}
	}
	sort.Strings(errs)

	if len(accepted) > 0 {
		username := UsernameFrom(r.Context())
		if err := a.store.UpdateSourceValues(r.Context(), username, accepted); err != nil {
			WriteInternal(w, a.log, err)
			return
		}
		a.wake()
	}

	WriteJSON(w, struct {
		Errors []string `json:"errors"`
	}{Errors: errs})
}

func (a *API) handlePublications(w http.ResponseWriter, r *http.Request) {
	entries, err := a.mergedPublications(r.Context(), UsernameFrom(r.Context()))
	if err != nil {
		WriteInternal(w, a.log, err)
		return
	}
	WriteJSON(w, entries)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	entries, err := a.mergedPublications(r.Context(), UsernameFrom(r.Context()))
	if err != nil {
		WriteInternal(w, a.log, err)
		return
	}

	pubs := make([]bibmetrics.Publication, len(entries))
	for i, entry := range entries {
		pubs[i] = bibmetrics.Publication{
			Cites:       entry.Cites,
			AuthorCount: len(entry.Authors),
		}
	}
	WriteJSON(w, bibmetrics.Compute(pubs))
}

func (a *API) handleForceMerge(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, struct {
		OK bool `json:"ok"`
	}{OK: a.merger.Force()})
}

func (a *API) handleTakeout(w http.ResponseWriter, r *http.Request) {
	username := UsernameFrom(r.Context())
	archive, err := a.store.ExportDataAsZip(r.Context(), username)
	if err != nil {
		WriteInternal(w, a.log, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", username+"-takeout.zip"))
	_, _ = w.Write(archive)
}
