// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobstore persists job records so that jobs survive a
// dispatcher restart.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"git.arvados.org/calcjob.git/sdk/go/calc"
)

// ErrNotFound is returned by Load for an unknown UUID.
var ErrNotFound = errors.New("job not found")

// A Store saves and loads job records. Save stores a copy; later
// changes to the caller's record are not visible until the next
// Save.
type Store interface {
	Save(ctx context.Context, rec *calc.Record) error
	Load(ctx context.Context, uuid string) (*calc.Record, error)
	// List returns all records, oldest first.
	List(ctx context.Context) ([]*calc.Record, error)
}

func encode(rec *calc.Record) ([]byte, error) {
	if rec.UUID == "" {
		return nil, errors.New("cannot save a record with no UUID")
	}
	cp := *rec
	cp.ModifiedAt = time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.ModifiedAt
	}
	return json.Marshal(&cp)
}

func decode(buf []byte) (*calc.Record, error) {
	var rec calc.Record
	err := json.Unmarshal(buf, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func sortRecords(recs []*calc.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].UUID < recs[j].UUID
	})
}

// Memory is a Store that keeps records in memory. The zero value is
// ready to use.
type Memory struct {
	mtx  sync.Mutex
	docs map[string][]byte
}

func (ms *Memory) Save(ctx context.Context, rec *calc.Record) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if old, ok := ms.docs[rec.UUID]; ok && rec.CreatedAt.IsZero() {
		if prev, err := decode(old); err == nil {
			cp := *rec
			cp.CreatedAt = prev.CreatedAt
			rec = &cp
		}
	}
	buf, err := encode(rec)
	if err != nil {
		return err
	}
	if ms.docs == nil {
		ms.docs = map[string][]byte{}
	}
	ms.docs[rec.UUID] = buf
	return nil
}

func (ms *Memory) Load(ctx context.Context, uuid string) (*calc.Record, error) {
	ms.mtx.Lock()
	buf, ok := ms.docs[uuid]
	ms.mtx.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(buf)
}

func (ms *Memory) List(ctx context.Context) ([]*calc.Record, error) {
	ms.mtx.Lock()
	bufs := make([][]byte, 0, len(ms.docs))
	for _, buf := range ms.docs {
		bufs = append(bufs, buf)
	}
	ms.mtx.Unlock()
	recs := make([]*calc.Record, 0, len(bufs))
	for _, buf := range bufs {
		rec, err := decode(buf)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sortRecords(recs)
	return recs, nil
}
