package main

import (
	"errors"
	"os"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/search/query"
	structmapper "gopkg.in/anexia-it/go-structmapper.v1"

	"github.com/wreckinglabs/dragonkick"
)

type Index interface {
	Index(dragonkick.Report) error
	Lookup(uid string) (bool, error)
	Delete(uid string) error
	Search(q, sort, order string, size, from int) ([]string, uint64, error)
	Close() error
}

var (
	ErrNotFound = errors.New(`not found`)
)

// document is the searchable summary of a report. The full report lives in
// the store.
type document struct {
	UID            string   `json:"uid"`
	Date           string   `json:"date"`
	Hostname       string   `json:"hostname"`
	Sysroot        string   `json:"sysroot"`
	Targets        []string `json:"targets"`
	Libraries      []string `json:"libraries"`
	Sonames        []string `json:"sonames"`
	Unresolved     []string `json:"unresolved"`
	Size           int64    `json:"size"`
	Resolved       int      `json:"resolved"`
	Gaps           int      `json:"gaps"`
	ClientVersion  string   `json:"client_version"`
	IndexerVersion string   `json:"indexer_version"`
}

func newDocument(r dragonkick.Report) document {
	d := document{
		UID:            r.UID,
		Date:           r.Date.UTC().Format(time.RFC3339),
		Hostname:       r.Hostname,
		Sysroot:        r.Sysroot,
		Targets:        r.Targets,
		Size:           r.Size,
		Resolved:       r.Resolved,
		Gaps:           len(r.Unresolved),
		ClientVersion:  r.ClientVersion,
		IndexerVersion: r.IndexerVersion,
	}
	for _, l := range r.Libraries {
		d.Libraries = append(d.Libraries, l.Path)
		d.Sonames = append(d.Sonames, l.Soname)
	}
	for _, u := range r.Unresolved {
		d.Unresolved = append(d.Unresolved, u.Soname)
	}
	return d
}

type BleveIndex struct {
	// the index is the actual struct we are interfacing with.
	index bleve.Index

	// the mapper is used to convert between the document struct and the
	// map[string]interface{} used internally by the bleve index. The
	// metadata can't be expressed as a struct field, so it is faked using
	// meta.x fields, which also makes them searchable.
	mapper *structmapper.Mapper
}

func NewBleveIndex(path string) (Index, error) {
	_, err := os.Stat(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrap(err, `checking for index`)
	}

	var index bleve.Index
	if errors.Is(err, os.ErrNotExist) {
		index, err = bleve.New(path, bleve.NewIndexMapping())
	} else {
		index, err = bleve.Open(path)
	}
	if err != nil {
		return nil, wrap(err, `opening index`)
	}

	// Initialize the structmapper to use the JSON tag. This avoid having
	// to re-define every field with yet another tag.
	mapper, err := structmapper.NewMapper(structmapper.OptionTagName("json"))
	if err != nil {
		return nil, wrap(err, `initializing mapper`)
	}

	return BleveIndex{
		index:  index,
		mapper: mapper,
	}, nil
}

func (i BleveIndex) Index(r dragonkick.Report) error {
	m, err := i.mapper.ToMap(newDocument(r))
	if err != nil {
		return wrap(err, `mapping report`)
	}

	for k, v := range r.Metadata {
		m["meta."+k] = v
	}

	return i.index.Index(r.UID, m)
}

func (i BleveIndex) Lookup(uid string) (exists bool, err error) {
	d, err := i.index.Document(uid)
	if err != nil {
		return false, wrap(err, `looking for report`)
	}

	return d != nil, nil
}

func (i BleveIndex) Delete(uid string) error {
	return i.index.Delete(uid)
}

// Search returns the UIDs of the reports matching the query string, sorted on
// the given field, and the total number of matches.
func (i BleveIndex) Search(text, sort, order string, size, from int) ([]string, uint64, error) {
	var q query.Query = bleve.NewMatchAllQuery()
	if len(text) != 0 {
		q = bleve.NewQueryStringQuery(text)
	}

	req := bleve.NewSearchRequestOptions(q, size, from, false)
	if order == "desc" {
		sort = "-" + sort
	}
	req.SortBy([]string{sort, "_id"})

	res, err := i.index.Search(req)
	if err != nil {
		return nil, 0, wrap(err, `searching for reports`)
	}

	uids := make([]string, 0, len(res.Hits))
	for _, d := range res.Hits {
		uids = append(uids, d.ID)
	}
	return uids, res.Total, nil
}

func (i BleveIndex) Close() error {
	return i.index.Close()
}
