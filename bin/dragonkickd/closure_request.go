package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/inconshreveable/log15"
	"github.com/rs/xid"

	"github.com/wreckinglabs/dragonkick"
	"github.com/wreckinglabs/dragonkick/pkg/closure"
	"github.com/wreckinglabs/dragonkick/pkg/kick"
	"github.com/wreckinglabs/dragonkick/pkg/ldso"
)

// errBadRequest marks the errors caused by the content of the request.
var errBadRequest = errors.New("bad request")

type closureRequest struct {
	log     log15.Logger
	r       *http.Request
	index   Index
	store   Store
	root    ldso.Root
	builder func(overrides []string, interpreter bool) *closure.Builder

	err     error
	uid     string
	targets []string
	closure *closure.Closure
	req     dragonkick.ClosureRequest
	Report  dragonkick.Report
}

func (r *closureRequest) init() {
	r.uid = xid.New().String()
	r.log = r.log.New("uid", r.uid)
}

func (r *closureRequest) close() {
	io.Copy(io.Discard, r.r.Body)
	r.r.Body.Close()
}

func (r *closureRequest) read() {
	if r.err != nil {
		return
	}

	var body io.Reader = r.r.Body
	if r.r.Header.Get("Content-Encoding") == "gzip" {
		reader, err := gzip.NewReader(r.r.Body)
		if err != nil {
			r.err = fmt.Errorf("%w: preparing gzip reader: %s", errBadRequest, err)
			return
		}
		defer reader.Close()
		body = reader
	}

	err := json.NewDecoder(body).Decode(&r.req)
	if err != nil {
		r.err = fmt.Errorf("%w: parsing request: %s", errBadRequest, err)
		return
	}

	if len(r.req.Targets) == 0 {
		r.err = fmt.Errorf("%w: no target", errBadRequest)
		return
	}
	for _, t := range append(append([]string(nil), r.req.Targets...), r.req.Overrides...) {
		if !path.IsAbs(t) {
			r.err = fmt.Errorf("%w: path %q isn't absolute", errBadRequest, t)
			return
		}
	}
}

func (r *closureRequest) resolveTargets() {
	if r.err != nil {
		return
	}

	r.log.Debug("resolving targets", "targets", r.req.Targets)
	r.targets, r.err = kick.ResolveTargets(r.root, r.req.Targets, false, r.log)
}

func (r *closureRequest) build() {
	if r.err != nil {
		return
	}

	b := r.builder(r.req.Overrides, r.req.Interpreter)
	b.Log = b.Log.New("uid", r.uid)

	c, err := b.BuildFiles(r.r.Context(), r.targets)
	if err != nil {
		r.err = wrap(err, "building closure")
		return
	}
	r.closure = c
	r.log.Info("built closure", "libraries", len(c.Libraries), "gaps", len(c.Gaps), "duration", c.Stats.Duration)
}

func (r *closureRequest) report() {
	if r.err != nil {
		return
	}

	r.Report = r.closure.Report(r.root)
	r.Report.UID = r.uid
	r.Report.ClientVersion = r.req.ClientVersion
	r.Report.IndexerVersion = Version
	if r.req.Metadata != nil {
		r.Report.Metadata = r.req.Metadata
	}
}

func (r *closureRequest) storeReport() {
	if r.err != nil {
		return
	}

	err := r.store.StoreReport(r.Report)
	if err != nil {
		r.err = wrap(err, "storing report")
		return
	}
}

func (r *closureRequest) indexReport() {
	if r.err != nil {
		return
	}

	err := r.index.Index(r.Report)
	if err != nil {
		r.err = wrap(err, "indexing report")
		return
	}
}

// status returns the HTTP status corresponding to the error of the request.
func (r *closureRequest) status() int {
	switch {
	case errors.Is(r.err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(r.err, kick.ErrNoInput):
		return http.StatusUnprocessableEntity
	case errors.Is(r.err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
