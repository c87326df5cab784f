package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// fakePostgREST is an in-memory stand-in for a PostgREST gateway.
type fakePostgREST struct {
	mu       sync.Mutex
	tables   map[string]map[string]Row
	seq      int
	status   int           // when set, every data route answers with it
	health   int           // health endpoint status, 200 when zero
	delay    time.Duration // applied to every request
	requests int
	headers  http.Header
}

func newFakePostgREST(t *testing.T) (*fakePostgREST, *httptest.Server) {
	t.Helper()
	f := &fakePostgREST{tables: map[string]map[string]Row{}}

	r := chi.NewRouter()
	r.Use(f.middleware)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		status := f.health
		f.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	})
	r.Get("/rest/v1/{table}", f.selectRows)
	r.Post("/rest/v1/{table}", f.insert)
	r.Patch("/rest/v1/{table}", f.patch)
	r.Delete("/rest/v1/{table}", f.delete)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakePostgREST) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests++
		f.headers = r.Header.Clone()
		delay, status := f.delay, f.status
		f.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 && strings.HasPrefix(r.URL.Path, "/rest/") {
			http.Error(w, `{"message":"injected"}`, status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakePostgREST) table(r *http.Request) map[string]Row {
	name := chi.URLParam(r, "table")
	if f.tables[name] == nil {
		f.tables[name] = map[string]Row{}
	}
	return f.tables[name]
}

func idParam(r *http.Request) string {
	return strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")
}

func writeRows(w http.ResponseWriter, status int, rows []Row) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rows)
}

func (f *fakePostgREST) insert(w http.ResponseWriter, r *http.Request) {
	var row Row
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tbl := f.table(r)
	merge := r.URL.Query().Get("on_conflict") == "submission_fingerprint" &&
		strings.Contains(r.Header.Get("Prefer"), "resolution=merge-duplicates")
	if merge && row.SubmissionFingerprint != "" {
		for id, existing := range tbl {
			if existing.SubmissionFingerprint == row.SubmissionFingerprint {
				row.ID = id
				row.CreatedAt = existing.CreatedAt
				tbl[id] = row
				writeRows(w, http.StatusCreated, []Row{row})
				return
			}
		}
	}
	f.seq++
	row.ID = fmt.Sprintf("row-%d", f.seq)
	tbl[row.ID] = row
	writeRows(w, http.StatusCreated, []Row{row})
}

func (f *fakePostgREST) patch(w http.ResponseWriter, r *http.Request) {
	var row Row
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tbl := f.table(r)
	id := idParam(r)
	existing, ok := tbl[id]
	if !ok {
		writeRows(w, http.StatusOK, []Row{})
		return
	}
	row.ID = id
	row.CreatedAt = existing.CreatedAt
	tbl[id] = row
	writeRows(w, http.StatusOK, []Row{row})
}

func (f *fakePostgREST) selectRows(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tbl := f.table(r)
	if id := idParam(r); id != "" {
		if row, ok := tbl[id]; ok {
			writeRows(w, http.StatusOK, []Row{row})
			return
		}
		writeRows(w, http.StatusOK, []Row{})
		return
	}
	rows := make([]Row, 0, len(tbl))
	for _, row := range tbl {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LastModified.After(rows[j].LastModified) })
	writeRows(w, http.StatusOK, rows)
}

func (f *fakePostgREST) delete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.table(r), idParam(r))
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakePostgREST) set(fn func(f *fakePostgREST)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakePostgREST) rowCount(table Table) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[string(table)])
}

func (f *fakePostgREST) stored(table Table, id string) Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[string(table)][id]
}

func (f *fakePostgREST) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}
