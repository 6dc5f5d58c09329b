package snapshot

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"FlowWarden/internal/model"
)

// TimestampFormat names snapshot directories.
const TimestampFormat = "2006-01-02_15-04-05"

const summaryFile = "summary.json"

// SummaryData holds the metadata for a snapshot.
type SummaryData struct {
	TotalFlows int            `json:"total_flows"`
	Open       int            `json:"open"`
	Closed     int            `json:"closed"`
	Decisions  map[string]int `json:"decisions"`
	BytesIn    uint64         `json:"bytes_in"`
	BytesOut   uint64         `json:"bytes_out"`
	Shards     []string       `json:"shards"`
	Timestamp  string         `json:"timestamp"`
}

// Writer handles writing flow table snapshots to disk. Flows are split into
// one gob shard per decision.
type Writer struct {
	rootPath string
}

// NewWriter creates a new snapshot writer.
func NewWriter(rootPath string) *Writer {
	return &Writer{rootPath: rootPath}
}

// Write stores flows under a directory named after at and returns its path.
func (w *Writer) Write(flows []model.Flow, at time.Time) (string, error) {
	snapshotDir := filepath.Join(w.rootPath, at.UTC().Format(TimestampFormat))
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	summary := SummaryData{
		TotalFlows: len(flows),
		Decisions:  make(map[string]int),
		Timestamp:  at.UTC().Format(time.RFC3339),
	}
	shards := make(map[string][]model.Flow)
	for _, f := range flows {
		name := f.Decision.String()
		shards[name] = append(shards[name], f)
		summary.Decisions[name]++
		summary.BytesIn += f.BytesIn
		summary.BytesOut += f.BytesOut
		if f.Closed() {
			summary.Closed++
		} else {
			summary.Open++
		}
	}

	for _, d := range []model.Decision{model.DecisionDeferred, model.DecisionAllowed, model.DecisionDenied} {
		shard := shards[d.String()]
		if len(shard) == 0 {
			continue
		}
		fileName := d.String() + ".dat"
		if err := writeShard(filepath.Join(snapshotDir, fileName), shard); err != nil {
			return "", err
		}
		summary.Shards = append(summary.Shards, fileName)
	}

	file, err := os.Create(filepath.Join(snapshotDir, summaryFile))
	if err != nil {
		return "", fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary); err != nil {
		return "", fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return snapshotDir, nil
}

func writeShard(path string, flows []model.Flow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", path, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(flows); err != nil {
		return fmt.Errorf("failed to encode flows to gob for file '%s': %w", path, err)
	}
	return nil
}

// Read loads a snapshot directory written by Write.
func Read(dir string) (SummaryData, []model.Flow, error) {
	var summary SummaryData
	data, err := os.ReadFile(filepath.Join(dir, summaryFile))
	if err != nil {
		return summary, nil, fmt.Errorf("failed to read summary: %w", err)
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		return summary, nil, fmt.Errorf("failed to decode summary: %w", err)
	}

	var flows []model.Flow
	for _, name := range summary.Shards {
		file, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return summary, nil, fmt.Errorf("failed to open shard '%s': %w", name, err)
		}
		var shard []model.Flow
		err = gob.NewDecoder(file).Decode(&shard)
		file.Close()
		if err != nil {
			return summary, nil, fmt.Errorf("failed to decode shard '%s': %w", name, err)
		}
		flows = append(flows, shard...)
	}
	return summary, flows, nil
}
