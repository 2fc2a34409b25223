// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"git.arvados.org/calcjob.git/sdk/go/calc"
)

// Directory is a Store that writes one JSON file per record. Files
// are replaced atomically, so a crash never leaves a truncated
// record behind.
type Directory struct {
	dir string
	mtx sync.Mutex
}

// NewDirectory returns a Directory store, creating dir if needed.
func NewDirectory(dir string) (*Directory, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Directory{dir: dir}, nil
}

func (ds *Directory) path(uuid string) (string, error) {
	if uuid == "" || strings.ContainsAny(uuid, `/\`) || strings.HasPrefix(uuid, ".") {
		return "", fmt.Errorf("invalid UUID %q", uuid)
	}
	return filepath.Join(ds.dir, uuid+".json"), nil
}

func (ds *Directory) Save(ctx context.Context, rec *calc.Record) error {
	fnm, err := ds.path(rec.UUID)
	if err != nil {
		return err
	}
	ds.mtx.Lock()
	defer ds.mtx.Unlock()
	if rec.CreatedAt.IsZero() {
		if prev, err := ds.load(fnm); err == nil {
			cp := *rec
			cp.CreatedAt = prev.CreatedAt
			rec = &cp
		}
	}
	buf, err := encode(rec)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(ds.dir, "."+rec.UUID+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), fnm)
}

func (ds *Directory) load(fnm string) (*calc.Record, error) {
	buf, err := os.ReadFile(fnm)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	rec, err := decode(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return rec, nil
}

func (ds *Directory) Load(ctx context.Context, uuid string) (*calc.Record, error) {
	fnm, err := ds.path(uuid)
	if err != nil {
		return nil, err
	}
	ds.mtx.Lock()
	defer ds.mtx.Unlock()
	return ds.load(fnm)
}

func (ds *Directory) List(ctx context.Context) ([]*calc.Record, error) {
	ds.mtx.Lock()
	defer ds.mtx.Unlock()
	ents, err := os.ReadDir(ds.dir)
	if err != nil {
		return nil, err
	}
	var recs []*calc.Record
	for _, ent := range ents {
		name := ent.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") || !ent.Type().IsRegular() {
			continue
		}
		rec, err := ds.load(filepath.Join(ds.dir, name))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sortRecords(recs)
	return recs, nil
}
