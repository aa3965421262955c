// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"grbl-bridge/eventbus"
)

// NewHTTPHandler builds the chi.Router serving both the diagnostic
// read-model routes (SPEC_FULL.md §D) and the /ws client event transport
// (SPEC_FULL.md §E), the way bobbydeveaux-starbucks-mugs's rest.NewRouter
// composes chi middleware and route groups.
func NewHTTPHandler(reg *Registry, bus *eventbus.Bus, router *Router) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz)
	r.Get("/ws", eventbus.ServeWS(bus, router.Dispatch, router.OnDisconnect))

	r.Route("/ports/{port}", func(r chi.Router) {
		r.Get("/lines", reg.handleLines)
		r.Post("/status-history", reg.handleStatusHistory)
		r.Get("/jobs", reg.handleJobs)
	})

	r.Post("/ingest", reg.handleIngest)

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type lineInfoResponse struct {
	LineNum int    `json:"line_num"`
	Dir     string `json:"dir"`
	Content string `json:"content"`
	Time    string `json:"time"`
}

// handleLines serves GET /ports/{port}/lines (SPEC_FULL.md §D.1): tail or
// range query over that port's LineDB, with optional dir/regex filters.
func (r *Registry) handleLines(w http.ResponseWriter, req *http.Request) {
	port := chi.URLParam(req, "port")
	s, ok := r.get(port)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such port")
		return
	}

	q := req.URL.Query()
	opts := QueryOptions{FilterDir: q.Get("filter_dir")}

	if tailStr := q.Get("tail"); tailStr != "" {
		n, err := strconv.Atoi(tailStr)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		opts.Scan = TailScan{N: n}
	} else if fromStr, toStr := q.Get("from_line"), q.Get("to_line"); fromStr != "" || toStr != "" {
		scan := RangeScan{}
		if fromStr != "" {
			n, err := strconv.Atoi(fromStr)
			if err != nil || n < 1 {
				writeJSONError(w, http.StatusBadRequest, "from_line must be >= 1")
				return
			}
			scan.FromLine = &n
		}
		if toStr != "" {
			n, err := strconv.Atoi(toStr)
			if err != nil || n < 1 {
				writeJSONError(w, http.StatusBadRequest, "to_line must be >= 1")
				return
			}
			scan.ToLine = &n
		}
		opts.Scan = scan
	}

	if re := q.Get("filter_regex"); re != "" {
		compiled, err := regexp.Compile(re)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid filter_regex")
			return
		}
		opts.FilterRegex = compiled
	}

	lines := s.lines.Query(opts)
	out := make([]lineInfoResponse, len(lines))
	for i, l := range lines {
		out[i] = lineInfoResponse{LineNum: l.num, Dir: l.dir, Content: l.content, Time: formatSpoolerTime(l.time)}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

type statusHistoryRequest struct {
	Start float64  `json:"start"`
	End   float64  `json:"end"`
	Step  float64  `json:"step"`
	Query []string `json:"query"`
}

type statusHistoryResponse struct {
	Times  []float64          `json:"times"`
	Values map[string][]any   `json:"values"`
}

// handleStatusHistory serves POST /ports/{port}/status-history (SPEC_FULL.md
// §D.2), mirroring the teacher's QueryTSRequest/QueryTSResponse shape against
// StatusDB's typed field set instead of an arbitrary key namespace.
func (r *Registry) handleStatusHistory(w http.ResponseWriter, req *http.Request) {
	port := chi.URLParam(req, "port")
	s, ok := r.get(port)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such port")
		return
	}

	var body statusHistoryRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(body.Query) == 0 {
		writeJSONError(w, http.StatusBadRequest, "query: cannot be empty")
		return
	}
	if body.Step <= 0 {
		writeJSONError(w, http.StatusBadRequest, "step: must be > 0")
		return
	}
	if body.End < body.Start {
		writeJSONError(w, http.StatusBadRequest, "end: must be >= start")
		return
	}

	fields := make([]StatusField, len(body.Query))
	for i, name := range body.Query {
		field := StatusField(name)
		if _, ok := field.extract(StatusSample{}); !ok {
			writeJSONError(w, http.StatusBadRequest, "unknown status field: "+name)
			return
		}
		fields[i] = field
	}

	start := time.Unix(0, int64(body.Start*float64(time.Second)))
	end := time.Unix(0, int64(body.End*float64(time.Second)))
	step := time.Duration(body.Step * float64(time.Second))

	times, vals := s.status.QueryRanges(fields, start, end, step)

	resp := statusHistoryResponse{
		Times:  make([]float64, len(times)),
		Values: make(map[string][]any),
	}
	for i, t := range times {
		resp.Times[i] = float64(t.UnixNano()) / float64(time.Second)
	}
	for i, name := range body.Query {
		resp.Values[name] = vals[fields[i]]
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type jobInfoResponse struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"`
	Total       int     `json:"total"`
	TimeAdded   float64 `json:"time_added"`
	TimeStarted *float64 `json:"time_started,omitempty"`
	TimeEnded   *float64 `json:"time_ended,omitempty"`
}

// handleJobs serves GET /ports/{port}/jobs (SPEC_FULL.md §D.3).
func (r *Registry) handleJobs(w http.ResponseWriter, req *http.Request) {
	port := chi.URLParam(req, "port")
	s, ok := r.get(port)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such port")
		return
	}

	jobs := s.jobs.List()
	out := make([]jobInfoResponse, len(jobs))
	for i, j := range jobs {
		out[i] = jobInfoResponse{
			JobID:     j.ID,
			Status:    string(j.Status),
			Total:     j.Total,
			TimeAdded: float64(j.TimeAdded.UnixNano()) / float64(time.Second),
		}
		if j.TimeStarted != nil {
			v := float64(j.TimeStarted.UnixNano()) / float64(time.Second)
			out[i].TimeStarted = &v
		}
		if j.TimeEnded != nil {
			v := float64(j.TimeEnded.UnixNano()) / float64(time.Second)
			out[i].TimeEnded = &v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

type ingestRequest struct {
	Port     string `json:"port"`
	Contents string `json:"contents"`
}

// handleIngest serves POST /ingest, a synchronous HTTP front door onto C6
// for the `file:upload` pub/sub topic spec.md §6 describes — the upload
// transport itself (pub/sub broker) is out of scope, so this is a direct
// HTTP realization of it. The body is a flat {port, contents} object; the
// topic's nested meta object (and its name field) is not accepted.
func (r *Registry) handleIngest(w http.ResponseWriter, req *http.Request) {
	var body ingestRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Port == "" {
		writeJSONError(w, http.StatusBadRequest, "port: required")
		return
	}

	if err := r.Ingest(body.Port, body.Contents); err != nil {
		slog.Warn("httpapi: ingest failed", "port", body.Port, "error", err)
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}
