package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/xid"

	"github.com/wreckinglabs/dragonkick"
)

type Store interface {
	Report(uid string) (dragonkick.Report, error)
	StoreReport(dragonkick.Report) error
	DeleteReport(uid string) error
}

// FileStore keeps each report as a JSON file named after its UID.
type FileStore struct {
	root string
}

// compile-time check that the FileStore actually implements the Store
// interface.
var _ Store = new(FileStore)

func NewFileStore(root string) (Store, error) {
	s := FileStore{root: root}
	return s, s.init()
}

func (s FileStore) init() error {
	for _, dir := range []string{
		s.root,
		filepath.Join(s.root, "reports/"),
	} {
		err := os.Mkdir(dir, os.ModeDir|0774)
		if err != nil && !errors.Is(err, os.ErrExist) {
			return wrap(err, `creating data directory`)
		}
	}

	return nil
}

func (s FileStore) path(uid string) (string, error) {
	// UIDs are generated by the service, anything else could escape the
	// directory.
	_, err := xid.FromString(uid)
	if err != nil {
		return "", ErrNotFound
	}
	return filepath.Join(s.root, "reports", uid+".json"), nil
}

func (s FileStore) Report(uid string) (r dragonkick.Report, err error) {
	path, err := s.path(uid)
	if err != nil {
		return r, err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, wrap(err, `opening report file`)
	}
	defer f.Close()

	err = json.NewDecoder(f).Decode(&r)
	if err != nil {
		return r, wrap(err, `reading report %s`, uid)
	}
	return r, nil
}

func (s FileStore) StoreReport(r dragonkick.Report) error {
	path, err := s.path(r.UID)
	if err != nil {
		return wrap(err, `invalid uid %q`, r.UID)
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return wrap(err, `encoding report`)
	}

	// Written aside then renamed, so readers never see a partial report.
	tmp := path + ".tmp"
	err = os.WriteFile(tmp, raw, 0664)
	if err != nil {
		return wrap(err, `creating report file`)
	}
	err = os.Rename(tmp, path)
	if err != nil {
		os.Remove(tmp)
		return wrap(err, `moving report file`)
	}
	return nil
}

func (s FileStore) DeleteReport(uid string) error {
	path, err := s.path(uid)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
