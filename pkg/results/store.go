// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package results

import (
	"fmt"
	"os"
	"path"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"
)

const dirBadger string = "db"

// blockItem is the stored representation of a BlockRecord.
type blockItem struct {
	Key string `badgerhold:"key"`
	Run string `badgerholdIndex:"Run"`

	Record BlockRecord
}

// connectionItem is the stored representation of a ConnectionRecord.
type connectionItem struct {
	Key string `badgerhold:"key"`
	Run string `badgerholdIndex:"Run"`

	Record ConnectionRecord
}

// Store is a Sink persisting records in a badgerhold database. All records
// written through one Store belong to its run, allowing several test runs to
// share a database.
type Store struct {
	bh *badgerhold.Store

	run string
}

// NewStore creates a new Store or opens an existing Store from the given path.
// New records are tagged with run.
func NewStore(dir, run string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{
			bh:  bh,
			run: run,
		}
	}
	return
}

// Run identifier of this Store's records.
func (s *Store) Run() string {
	return s.run
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// WriteBlock inserts a BlockRecord. Recording the same block of the same
// connection twice within a run results in an error.
func (s *Store) WriteBlock(br BlockRecord) error {
	item := blockItem{
		Key:    fmt.Sprintf("%s/%s/%d", s.run, br.Connection, br.ID),
		Run:    s.run,
		Record: br,
	}

	log.WithFields(log.Fields{
		"key":   item.Key,
		"block": br,
	}).Debug("Store inserts BlockRecord")

	return s.bh.Insert(item.Key, item)
}

// WriteConnection inserts or replaces a ConnectionRecord.
func (s *Store) WriteConnection(cr ConnectionRecord) error {
	item := connectionItem{
		Key:    fmt.Sprintf("%s/%s", s.run, cr.Connection),
		Run:    s.run,
		Record: cr,
	}

	log.WithFields(log.Fields{
		"key":        item.Key,
		"connection": cr.Connection,
	}).Debug("Store inserts ConnectionRecord")

	return s.bh.Upsert(item.Key, item)
}

// Blocks fetches all BlockRecords of a run.
func (s *Store) Blocks(run string) (brs []BlockRecord, err error) {
	var items []blockItem
	if err = s.bh.Find(&items, badgerhold.Where("Run").Eq(run).Index("Run")); err != nil {
		return
	}

	for _, item := range items {
		brs = append(brs, item.Record)
	}
	return
}

// Connections fetches all ConnectionRecords of a run.
func (s *Store) Connections(run string) (crs []ConnectionRecord, err error) {
	var items []connectionItem
	if err = s.bh.Find(&items, badgerhold.Where("Run").Eq(run).Index("Run")); err != nil {
		return
	}

	for _, item := range items {
		crs = append(crs, item.Record)
	}
	return
}

// DeleteRun removes all records of a run.
func (s *Store) DeleteRun(run string) error {
	if err := s.bh.DeleteMatching(blockItem{}, badgerhold.Where("Run").Eq(run).Index("Run")); err != nil {
		return err
	}
	return s.bh.DeleteMatching(connectionItem{}, badgerhold.Where("Run").Eq(run).Index("Run"))
}
