package qtdi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// registrationView is the wire shape of one registration in the debug
// handler output.
type registrationView struct {
	Name      string   `json:"name"`
	Index     int      `json:"index"`
	Scope     string   `json:"scope"`
	State     string   `json:"state"`
	Condition string   `json:"condition"`
	Impl      string   `json:"impl"`
	Services  []string `json:"services"`
	Aliases   []string `json:"aliases,omitempty"`
	External  bool     `json:"external,omitempty"`
}

// NewDebugHandler returns a read-only HTTP handler exposing the
// container's state for diagnostics:
//
//	GET /registrations      all registrations with scope, state, condition
//	GET /profiles           the active profile set
//	GET /config/keys        configuration keys, ?section= narrows the prefix
func NewDebugHandler(c Container) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/registrations", func(w http.ResponseWriter, req *http.Request) {
		regs := c.Registrations()
		views := make([]registrationView, 0, len(regs))
		for _, reg := range regs {
			views = append(views, viewOf(reg))
		}
		writeJSON(w, views)
	})

	r.Get("/profiles", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{"activeProfiles": c.ActiveProfiles()})
	})

	r.Get("/config/keys", func(w http.ResponseWriter, req *http.Request) {
		section := req.URL.Query().Get("section")
		keys := c.ConfigurationKeys(section)
		if keys == nil {
			keys = []string{}
		}
		writeJSON(w, map[string]any{"section": section, "keys": keys})
	})

	return r
}

func viewOf(reg *Registration) registrationView {
	d := reg.Descriptor()
	view := registrationView{
		Name:      reg.Name(),
		Index:     reg.Index(),
		Scope:     string(reg.Scope()),
		State:     reg.State().String(),
		Condition: reg.Condition().String(),
		Aliases:   reg.Aliases(),
		External:  reg.Scope() == ScopeExternal,
	}
	if d.Impl != nil {
		view.Impl = d.Impl.String()
	}
	for _, svc := range d.Services {
		view.Services = append(view.Services, svc.String())
	}
	return view
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
