package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fisaks/algodomo/internal/logging"
	"github.com/fisaks/algodomo/internal/sim"
)

type boardPatch struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Offline     *bool    `json:"offline,omitempty"`
	Corrupt     *bool    `json:"corrupt,omitempty"`
	DelayMs     *int     `json:"delayMs,omitempty"`
	OutputMask  *byte    `json:"outputMask,omitempty"`
}

type inputRequest struct {
	Active bool `json:"active"`
}

type restAPI struct {
	network *sim.Network
}

func startRestAPI(ctx context.Context, network *sim.Network, addr string) error {
	api := &restAPI{network: network}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /boards/{address}", api.getBoard)
	mux.HandleFunc("PATCH /boards/{address}", api.patchBoard)
	mux.HandleFunc("PUT /boards/{address}/input/{index}", api.setInput)
	mux.HandleFunc("POST /boards/{address}/input/{index}/press/{mode}", api.pressInput)
	mux.HandleFunc("POST /boards/{address}/program-mode", api.programMode)
	mux.HandleFunc("POST /boards/{address}", api.addBoard)

	mux.HandleFunc("GET /frames", api.frames)
	mux.HandleFunc("DELETE /frames", api.resetFrames)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logging.Info("Simulator REST API listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

/* ------------------------ helpers: json & errors ------------------------ */

func readJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseAddress(w http.ResponseWriter, s string) (byte, bool) {
	a, err := strconv.Atoi(s)
	if err != nil || a < 0 || a > 254 {
		fail(w, http.StatusBadRequest, "invalid address")
		return 0, false
	}
	return byte(a), true
}

func parseInput(w http.ResponseWriter, s string) (int, bool) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 1 || i > 8 {
		fail(w, http.StatusBadRequest, "input index must be 1..8")
		return 0, false
	}
	return i, true
}

/* ------------------------------ handlers -------------------------------- */

func (a *restAPI) getBoard(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r.PathValue("address"))
	if !ok {
		return
	}
	b, ok := a.network.Snapshot(addr)
	if !ok {
		fail(w, http.StatusNotFound, "board not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *restAPI) addBoard(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r.PathValue("address"))
	if !ok {
		return
	}
	if _, exists := a.network.Snapshot(addr); exists {
		fail(w, http.StatusConflict, "board already exists")
		return
	}
	a.network.AddBoard(addr)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (a *restAPI) patchBoard(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r.PathValue("address"))
	if !ok {
		return
	}
	var req boardPatch
	if err := readJSON(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "bad json")
		return
	}
	found := a.network.Mutate(addr, func(b *sim.Board) {
		// Copy only provided fields
		if req.Temperature != nil {
			b.Status.Temperature = *req.Temperature
		}
		if req.Offline != nil {
			b.Offline = *req.Offline
		}
		if req.Corrupt != nil {
			b.Corrupt = *req.Corrupt
		}
		if req.DelayMs != nil {
			b.Delay = time.Duration(*req.DelayMs) * time.Millisecond
		}
		if req.OutputMask != nil {
			b.Status.OutputMask = *req.OutputMask
		}
	})
	if !found {
		fail(w, http.StatusNotFound, "board not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// setInput drives an input line; inputs are active low on the wire.
func (a *restAPI) setInput(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r.PathValue("address"))
	if !ok {
		return
	}
	idx, ok := parseInput(w, r.PathValue("index"))
	if !ok {
		return
	}
	var req inputRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "bad json")
		return
	}
	if !a.network.Mutate(addr, func(b *sim.Board) { setInputLine(b, idx, req.Active) }) {
		fail(w, http.StatusNotFound, "board not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pressInput simulates a button press: mode "short" releases after 200ms,
// "long" after 2s.
func (a *restAPI) pressInput(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r.PathValue("address"))
	if !ok {
		return
	}
	idx, ok := parseInput(w, r.PathValue("index"))
	if !ok {
		return
	}
	hold := 200 * time.Millisecond
	switch r.PathValue("mode") {
	case "short":
	case "long":
		hold = 2 * time.Second
	default:
		fail(w, http.StatusBadRequest, "mode must be short or long")
		return
	}
	if !a.network.Mutate(addr, func(b *sim.Board) { setInputLine(b, idx, true) }) {
		fail(w, http.StatusNotFound, "board not found")
		return
	}
	time.AfterFunc(hold, func() {
		a.network.Mutate(addr, func(b *sim.Board) { setInputLine(b, idx, false) })
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "holdMs": strconv.FormatInt(hold.Milliseconds(), 10)})
}

func setInputLine(b *sim.Board, idx int, active bool) {
	bit := byte(1) << (idx - 1)
	if active {
		b.Status.InputMask &^= bit
	} else {
		b.Status.InputMask |= bit
	}
}

func (a *restAPI) programMode(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r.PathValue("address"))
	if !ok {
		return
	}
	if !a.network.EnterProgramMode(addr) {
		fail(w, http.StatusNotFound, "board not found")
		return
	}
	logging.Info("Board in programming mode", "address", addr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *restAPI) frames(w http.ResponseWriter, r *http.Request) {
	frames := a.network.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Hex()
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "frames": out})
}

func (a *restAPI) resetFrames(w http.ResponseWriter, r *http.Request) {
	a.network.ResetFrames()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
