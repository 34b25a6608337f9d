package comm

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/gatelink/internal/httputil"
	"github.com/banshee-data/gatelink/internal/route"
)

// RouteStatus describes one registered route.
type RouteStatus struct {
	Path      string      `json:"path"`
	Direction string      `json:"direction"`
	Sends     bool        `json:"sends"`
	Listens   bool        `json:"listens"`
	Extension bool        `json:"extension,omitempty"`
	Stats     route.Stats `json:"stats"`
}

// Status is a snapshot of a communicator and its routes.
type Status struct {
	DeviceID string        `json:"device_id"`
	Role     string        `json:"role"`
	Running  bool          `json:"running"`
	Gates    []GateStatus  `json:"gates"`
	Routes   []RouteStatus `json:"routes"`
}

// GateStatus describes one registered gate.
type GateStatus struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Active *bool  `json:"active,omitempty"`
}

// Status returns per-gate and per-route state. Route counters persist
// across restarts.
func (c *Communicator) Status() Status {
	s := Status{
		DeviceID: c.deviceID,
		Role:     c.role.String(),
		Running:  c.engine.Running(),
	}
	for _, g := range c.Gates() {
		gs := GateStatus{ID: g.ID(), Kind: string(g.Kind())}
		if v, ok := g.IsActive().Latest(); ok {
			gs.Active = &v
		}
		s.Gates = append(s.Gates, gs)
	}
	add := func(b *route.Binding, ext bool) {
		s.Routes = append(s.Routes, RouteStatus{
			Path:      b.Path().String(),
			Direction: b.Direction().String(),
			Sends:     b.Sends(c.role),
			Listens:   b.Listens(c.role),
			Extension: ext,
			Stats:     b.Stats(),
		})
	}
	for _, b := range c.routes.Bindings() {
		add(b, false)
	}
	for _, b := range c.extensions.Bindings() {
		if _, shadowed := c.routes.Lookup(b.Path()); !shadowed {
			add(b, true)
		}
	}
	return s
}

// AttachAdminRoutes attaches debugging endpoints to the given HTTP mux
// served at /debug/. tsweb restricts them to localhost and the tailnet.
func (c *Communicator) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("routes", "route status and counters (JSON)", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		httputil.WriteJSON(w, c.Status())
	})

	// inject feeds a message through the inbound path as if a peer sent it
	debug.HandleSilentFunc("inject", func(w http.ResponseWriter, r *http.Request) {
		path, payload, ok := parseRouteForm(w, r)
		if !ok {
			return
		}
		if err := c.Receive(path, payload); err != nil {
			http.Error(w, fmt.Sprintf("Failed to deliver: %v", err), http.StatusConflict)
			return
		}
		io.WriteString(w, fmt.Sprintf("Delivered %s", route.Message{Path: path, Payload: payload}))
	})

	debug.HandleSilentFunc("command", func(w http.ResponseWriter, r *http.Request) {
		path, payload, ok := parseRouteForm(w, r)
		if !ok {
			return
		}
		if err := c.Command(r.Context(), path, payload); err != nil {
			http.Error(w, fmt.Sprintf("Command failed: %v", err), http.StatusConflict)
			return
		}
		io.WriteString(w, fmt.Sprintf("Sent %s", route.Message{Path: path, Payload: payload}))
	})

	debug.HandleSilentFunc("resync", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodPost) {
			return
		}
		if !c.Running() {
			http.Error(w, ErrNotRunning.Error(), http.StatusConflict)
			return
		}
		c.Resync()
		io.WriteString(w, "Resync requested")
	})
}

// parseRouteForm reads the route and optional payload of a POST form. A
// missing payload field means a ping.
func parseRouteForm(w http.ResponseWriter, r *http.Request) (route.Path, *string, bool) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return route.Path{}, nil, false
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return route.Path{}, nil, false
	}
	raw := strings.TrimSpace(r.PostForm.Get("route"))
	if raw == "" {
		http.Error(w, "Missing route", http.StatusBadRequest)
		return route.Path{}, nil, false
	}
	path, err := route.ParsePath(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return route.Path{}, nil, false
	}
	if !r.PostForm.Has("payload") {
		return path, nil, true
	}
	payload := r.PostForm.Get("payload")
	return path, &payload, true
}
