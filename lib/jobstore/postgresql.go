// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"git.arvados.org/calcjob.git/sdk/go/calc"
	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS calcjob_records (
	uuid varchar(255) PRIMARY KEY,
	process_state varchar(32) NOT NULL,
	record jsonb NOT NULL,
	created_at timestamp with time zone NOT NULL,
	modified_at timestamp with time zone NOT NULL
)`

// PostgreSQL is a Store that keeps each record as a JSONB document.
type PostgreSQL struct {
	db *sqlx.DB
}

// NewPostgreSQL connects to the database described by dsn and
// creates the records table if it does not exist.
func NewPostgreSQL(ctx context.Context, dsn string, maxOpenConns int) (*PostgreSQL, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgresql connection failed: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connection succeeded but ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating table: %w", err)
	}
	return &PostgreSQL{db: db}, nil
}

// Close closes the database connection pool.
func (ps *PostgreSQL) Close() error {
	return ps.db.Close()
}

func (ps *PostgreSQL) Save(ctx context.Context, rec *calc.Record) error {
	buf, err := encode(rec)
	if err != nil {
		return err
	}
	saved, err := decode(buf)
	if err != nil {
		return err
	}
	// created_at is only set by the first insert, and the stored
	// document is patched to match it.
	_, err = ps.db.ExecContext(ctx, `
INSERT INTO calcjob_records (uuid, process_state, record, created_at, modified_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (uuid) DO UPDATE SET
	process_state = EXCLUDED.process_state,
	record = jsonb_set(EXCLUDED.record, '{created_at}', to_jsonb(calcjob_records.record->>'created_at')),
	modified_at = EXCLUDED.modified_at`,
		saved.UUID, string(saved.ProcessState), buf, saved.CreatedAt, saved.ModifiedAt)
	return err
}

func (ps *PostgreSQL) Load(ctx context.Context, uuid string) (*calc.Record, error) {
	var buf []byte
	err := ps.db.GetContext(ctx, &buf, `SELECT record FROM calcjob_records WHERE uuid=$1`, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return decode(buf)
}

func (ps *PostgreSQL) List(ctx context.Context) ([]*calc.Record, error) {
	var bufs [][]byte
	err := ps.db.SelectContext(ctx, &bufs, `SELECT record FROM calcjob_records ORDER BY created_at, uuid`)
	if err != nil {
		return nil, err
	}
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
