package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/formsync/internal/remote"
)

// ErrOffline is returned by a FakeRemote that has been taken offline.
var ErrOffline = errors.New("network unreachable")

// FakeRemote is an in-memory remote.Backend with failure injection.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type FakeRemote struct {
	mu       sync.Mutex
	rows     map[remote.Table]map[string]remote.Row
	seq      int
	offline  bool
	failNext int
	failErr  error
	inserts  int
}

// NewFakeRemote returns an empty, reachable remote.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{rows: make(map[remote.Table]map[string]remote.Row)}
}

// SetOffline makes every call, health included, fail with ErrOffline.
func (f *FakeRemote) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// FailWrites makes the next n writes fail with err while Health keeps
// succeeding. A nil err fails with ErrOffline.
func (f *FakeRemote) FailWrites(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = ErrOffline
	}
	f.failNext = n
	f.failErr = err
}

// Inserts returns the number of successful inserts.
func (f *FakeRemote) Inserts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

// Rows returns a snapshot of the rows in t ordered by id.
func (f *FakeRemote) Rows(t remote.Table) []remote.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.Row, 0, len(f.rows[t]))
	for _, r := range f.rows[t] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *FakeRemote) reachable() error {
	if f.offline {
		return ErrOffline
	}
	return nil
}

func (f *FakeRemote) writeFault() error {
	if err := f.reachable(); err != nil {
		return err
	}
	if f.failNext > 0 {
		f.failNext--
		return f.failErr
	}
	return nil
}

func (f *FakeRemote) table(t remote.Table) map[string]remote.Row {
	if f.rows[t] == nil {
		f.rows[t] = make(map[string]remote.Row)
	}
	return f.rows[t]
}

// Insert upserts on submission fingerprint.
func (f *FakeRemote) Insert(_ context.Context, t remote.Table, row remote.Row) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeFault(); err != nil {
		return "", err
	}
	tbl := f.table(t)
	if row.SubmissionFingerprint != "" {
		for id, existing := range tbl {
			if existing.SubmissionFingerprint == row.SubmissionFingerprint {
				row.ID = id
				tbl[id] = row
				return id, nil
			}
		}
	}
	f.seq++
	f.inserts++
	row.ID = fmt.Sprintf("remote-%d", f.seq)
	tbl[row.ID] = row
	return row.ID, nil
}

// Update replaces an existing row.
func (f *FakeRemote) Update(_ context.Context, t remote.Table, id string, row remote.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeFault(); err != nil {
		return err
	}
	tbl := f.table(t)
	if _, ok := tbl[id]; !ok {
		return &remote.Error{Code: remote.ErrCodeNotFound, Op: "update"}
	}
	row.ID = id
	tbl[id] = row
	return nil
}

// Select returns one row.
func (f *FakeRemote) Select(_ context.Context, t remote.Table, id string) (remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reachable(); err != nil {
		return remote.Row{}, err
	}
	row, ok := f.table(t)[id]
	if !ok {
		return remote.Row{}, &remote.Error{Code: remote.ErrCodeNotFound, Op: "select"}
	}
	return row, nil
}

// SelectAll returns every row in t ordered by id.
func (f *FakeRemote) SelectAll(_ context.Context, t remote.Table) ([]remote.Row, error) {
	f.mu.Lock()
	offline := f.offline
	f.mu.Unlock()
	if offline {
		return nil, ErrOffline
	}
	return f.Rows(t), nil
}

// Delete removes a row. Missing rows are ignored.
func (f *FakeRemote) Delete(_ context.Context, t remote.Table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reachable(); err != nil {
		return err
	}
	delete(f.table(t), id)
	return nil
}

// Health fails only while offline.
func (f *FakeRemote) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reachable()
}
