package journal

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/gatelink/internal/httputil"
)

// Summary is the JSON body of the journal debug page.
type Summary struct {
	Counts    map[Event]int64 `json:"counts"`
	Discarded uint64          `json:"discarded"`
	Recent    []Entry         `json:"recent"`
}

// AttachAdminRoutes mounts the journal pages and a tailsql console on the
// /debug/ mux.
func (j *Journal) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+j.path, j.db, &tailsql.DBOptions{
		Label: "Route journal",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("journal", "Recent route traffic (JSON)", func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		j.Flush()
		counts, err := j.Counts()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to count entries: %v", err), http.StatusInternalServerError)
			return
		}
		recent, err := j.Recent(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to read entries: %v", err), http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, Summary{Counts: counts, Discarded: j.Discarded(), Recent: recent})
	})

	debug.Handle("journal-backup", "Download a gzipped copy of the journal database", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir, err := os.MkdirTemp("", "gatelink-journal-")
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer os.RemoveAll(dir)

		backupPath := filepath.Join(dir, "journal.db")
		j.Flush()
		if _, err := j.db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", "attachment; filename=journal.db.gz")
		w.Header().Set("Content-Type", "application/gzip")
		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			logf("backup copy: %v", err)
		}
	}))
	return nil
}
