package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/fisaks/algodomo/internal/domo"
	"github.com/fisaks/algodomo/internal/errcode"
	"github.com/fisaks/algodomo/internal/util"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	view := s.core.Status(r.Context(), util.BoolValue(r.URL.Query().Get("refresh")))
	ok(w, map[string]any{
		"updatedAt":     view.UpdatedAt,
		"refreshErrors": view.RefreshErrors,
		"rooms":         view.Rooms,
	})
}

func (s *Server) system(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"system": s.core.SystemInfo()})
}

func (s *Server) config(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"config": s.core.Config().Redacted()})
}

func (s *Server) entity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, found := s.core.ReadCache(id)
	if !found {
		failErr(w, errcode.New(errcode.UnknownEntity, "entity", id))
		return
	}
	ok(w, map[string]any{"state": st})
}

/* ------------------------------ commands -------------------------------- */

// resolve finds the target entity either by ?id= or by ?address= plus the
// channel parameter named chParam (empty for thermostats).
func (s *Server) resolve(q url.Values, kind domo.Kind, chParam string) (string, error) {
	if id := strings.TrimSpace(q.Get("id")); id != "" {
		return id, nil
	}
	raw := q.Get("address")
	if raw == "" {
		return "", errcode.New(errcode.InvalidParams, "resolve", "id or address is required")
	}
	addr, err := util.ToAddress(raw)
	if err != nil {
		return "", errcode.Wrap(errcode.InvalidParams, "resolve", err)
	}
	ch := 0
	if chParam != "" {
		if ch, err = util.ToInt(q.Get(chParam)); err != nil || ch < 1 {
			return "", errcode.New(errcode.InvalidParams, "resolve", fmt.Sprintf("%s is required with address", chParam))
		}
	}
	return s.core.ResolveEntity(kind, addr, ch)
}

// paramsOf copies the query into dispatch params, minus routing keys.
func paramsOf(q url.Values) domo.Params {
	p := domo.Params{}
	for k, v := range q {
		switch k {
		case "token", "id", "address", "relay", "channel", "action":
			continue
		}
		if len(v) > 0 {
			p[k] = v[0]
		}
	}
	return p
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, kind domo.Kind, chParam string) {
	q := r.URL.Query()
	id, err := s.resolve(q, kind, chParam)
	if err != nil {
		failErr(w, err)
		return
	}
	action := strings.ToLower(strings.TrimSpace(q.Get("action")))
	if action == "" {
		failErr(w, errcode.New(errcode.InvalidParams, "command", "action is required"))
		return
	}
	if e, found := s.core.Cache().Entity(id); found && e.Kind != kind {
		failErr(w, errcode.New(errcode.UnknownEntity, "command", fmt.Sprintf("%s is a %s", id, e.Kind)))
		return
	}
	st, err := s.core.Dispatch(r.Context(), id, action, paramsOf(q))
	if err != nil {
		failErr(w, err)
		return
	}
	ok(w, map[string]any{"entity": id, "action": action, "state": st})
}

func (s *Server) light(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, domo.KindLight, "relay")
}

func (s *Server) shutter(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, domo.KindShutter, "channel")
}

// thermostat applies set, power and mode in that order; any subset may be
// given in one request.
func (s *Server) thermostat(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := s.resolve(q, domo.KindThermostat, "")
	if err != nil {
		failErr(w, err)
		return
	}
	steps := []struct {
		query, action, param string
	}{
		{"set", domo.ActionSet, domo.ParamSetpoint},
		{"power", domo.ActionPower, domo.ParamPower},
		{"mode", domo.ActionMode, domo.ParamMode},
	}
	var applied []string
	var last any
	for _, step := range steps {
		v := q.Get(step.query)
		if v == "" {
			continue
		}
		st, err := s.core.Dispatch(r.Context(), id, step.action, domo.Params{step.param: v})
		if err != nil {
			failErr(w, err)
			return
		}
		applied = append(applied, step.action)
		last = st
	}
	if len(applied) == 0 {
		failErr(w, errcode.New(errcode.InvalidParams, "thermostat", "one of set, power or mode is required"))
		return
	}
	ok(w, map[string]any{"entity": id, "applied": applied, "state": last})
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	addr, err := util.ToAddress(r.URL.Query().Get("address"))
	if err != nil {
		failErr(w, errcode.Wrap(errcode.InvalidParams, "poll", err))
		return
	}
	st, err := s.core.PollOne(r.Context(), addr)
	if err != nil {
		failErr(w, err)
		return
	}
	ok(w, map[string]any{"address": addr, "poll": st})
}

func (s *Server) applyInputs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var addr *byte
	if raw := q.Get("address"); raw != "" {
		a, err := util.ToAddress(raw)
		if err != nil {
			failErr(w, errcode.Wrap(errcode.InvalidParams, "apply-inputs", err))
			return
		}
		addr = &a
	}
	results, err := s.core.ApplyInputs(r.Context(), strings.TrimSpace(q.Get("board")), addr)
	if err != nil {
		failErr(w, err)
		return
	}
	allOK := true
	for _, res := range results {
		allOK = allOK && res.OK
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": allOK, "results": results})
}

func (s *Server) programAddress(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("address")
	if raw == "" {
		failErr(w, errcode.New(errcode.InvalidParams, "program-address", "address is required"))
		return
	}
	addr, err := util.ToAddress(raw)
	if err != nil {
		failErr(w, errcode.Wrap(errcode.InvalidParams, "program-address", err))
		return
	}
	res, err := s.core.ProgramAddress(r.Context(), addr)
	if err != nil {
		failErr(w, err)
		return
	}
	ok(w, map[string]any{"programmedAddress": res.Address, "ack": res.Ack})
}
