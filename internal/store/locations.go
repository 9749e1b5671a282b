package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LocationInfo summarizes one persisted agent database for diagnostics.
type LocationInfo struct {
	Tenant    string   `json:"tenant"`
	Path      string   `json:"path"`
	Counter   int64    `json:"counter"`
	Children  []string `json:"children"`
	AgentType string   `json:"agentType"`
	SizeBytes int64    `json:"sizeBytes"`
}

// ListLocations walks dataDir and reports the fleet_state row of every
// persisted agent database. Diagnostic only — correctness never depends
// on cross-agent reads; databases that fail to open are skipped.
func ListLocations(dataDir string) ([]LocationInfo, error) {
	var infos []LocationInfo

	tenants, err := os.ReadDir(dataDir)
	if os.IsNotExist(err) {
		return infos, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	for _, td := range tenants {
		if !td.IsDir() {
			continue
		}
		tenant := td.Name()
		files, err := os.ReadDir(filepath.Join(dataDir, tenant))
		if err != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if !strings.HasSuffix(name, ".db") {
				continue
			}
			path, err := url.QueryUnescape(strings.TrimSuffix(name, ".db"))
			if err != nil {
				continue
			}
			info := LocationInfo{Tenant: tenant, Path: path, Children: []string{}}
			if fi, err := f.Info(); err == nil {
				info.SizeBytes = fi.Size()
			}
			readFleetStateRow(filepath.Join(dataDir, tenant, name), path, &info)
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// readFleetStateRow best-effort fills counter/children/type from the
// database's fleet_state row.
func readFleetStateRow(dbPath, location string, info *LocationInfo) {
	db, err := sql.Open("sqlite3", dbPath+"?mode=ro&_busy_timeout=1000")
	if err != nil {
		return
	}
	defer db.Close()

	var childrenJSON string
	err = db.QueryRow(`
		SELECT counter, children, agent_type FROM fleet_state WHERE id = ?
	`, location).Scan(&info.Counter, &childrenJSON, &info.AgentType)
	if err != nil {
		return
	}
	_ = json.Unmarshal([]byte(childrenJSON), &info.Children)
}
