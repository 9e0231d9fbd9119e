package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wreckinglabs/dragonkick"
)

func (s *service) about(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	write(rw, http.StatusOK, map[string]string{
		"built_at": BuiltAt,
		"commit":   Commit,
		"version":  Version,
	})
}

// indexClosure handle the requests for computing the closure of a set of
// targets in the sysroot. The report is stored and indexed before being
// returned.
func (s *service) indexClosure(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := &closureRequest{
		index:   s.index,
		log:     s.logger,
		r:       r,
		root:    s.root,
		store:   s.store,
		builder: s.builder,
	}
	req.init()
	req.read()
	req.resolveTargets()
	req.build()
	req.report()
	req.storeReport()
	req.indexReport()
	req.close()

	if req.err != nil {
		s.logger.Error("indexing", "uid", req.uid, "err", req.err)
		s.received.With(prometheus.Labels{"status": "error"}).Inc()
		writeError(w, req.status(), req.err)
		return
	}

	s.received.With(prometheus.Labels{"status": "ok"}).Inc()
	write(w, http.StatusCreated, req.Report)
}

// searchClosures handle the requests to search reports matching a number of
// parameters.
func (s *service) searchClosures(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var err error

	q := r.FormValue("q")

	sort := r.FormValue("sort")
	if len(sort) == 0 {
		sort = "date"
	}
	switch sort {
	case "date", "hostname", "size", "resolved", "gaps":
		break
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sort field '%s'", sort))
		return
	}

	order := r.FormValue("order")
	if len(order) == 0 {
		order = "desc"
	}
	switch order {
	case "asc", "desc":
		break
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sort order '%s'", order))
		return
	}

	rawSize := r.FormValue("size")
	if len(rawSize) == 0 {
		rawSize = "50"
	}
	size, err := strconv.Atoi(rawSize)
	if err != nil || size < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid size parameter '%s'", rawSize))
		return
	}

	rawFrom := r.FormValue("from")
	if len(rawFrom) == 0 {
		rawFrom = "0"
	}
	from, err := strconv.Atoi(rawFrom)
	if err != nil || from < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from parameter '%s'", rawFrom))
		return
	}

	uids, total, err := s.index.Search(q, sort, order, size, from)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res := dragonkick.SearchResult{
		Results: make([]dragonkick.Report, 0, len(uids)),
		Total:   total,
	}
	for _, uid := range uids {
		report, err := s.store.Report(uid)
		if err != nil {
			s.logger.Error("loading report", "uid", uid, "err", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		res.Results = append(res.Results, report)
	}

	write(w, http.StatusOK, res)
}

// getClosure handles the requests to get a stored report.
func (s *service) getClosure(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	uid := p.ByName("uid")

	report, err := s.store.Report(uid)
	switch {
	case err == nil:
		write(w, http.StatusOK, report)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, errors.New("unknown closure"))
	default:
		s.logger.Error("loading report", "uid", uid, "err", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

// deleteClosure handle the request to remove a report.
func (s *service) deleteClosure(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	uid := p.ByName("uid")

	exists, err := s.index.Lookup(uid)
	if err != nil {
		s.logger.Error("looking up report", "uid", uid, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, errors.New("unknown closure"))
		return
	}

	s.cleanupQueue <- uid
	w.WriteHeader(http.StatusAccepted)
}
