package vectorindex

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
)

const (
	manifestFile = "manifest.json"
	rowsFile     = "rows.json"
	vectorsFile  = "vectors.gob"
)

// manifest pins the metric and dimension chosen at index creation.
type manifest struct {
	Version   int    `json:"version"`
	Metric    Metric `json:"metric"`
	Dimension int    `json:"dimension"`
}

// rowData is the persisted row-to-chunk-ID map. Row keys are strings so the
// JSON form is stable and diffable.
type rowData struct {
	Rows       map[string]string `json:"rows"`
	Tombstones []int64           `json:"tombstones"`
	NextRow    int64             `json:"next_row"`
}

func (x *Index) load() error {
	manifestPath := filepath.Join(x.dir, manifestFile)
	raw, err := os.ReadFile(manifestPath)
	if os.IsNotExist(err) {
		// Fresh index: persist the manifest immediately so the metric
		// choice is pinned before any vector is written.
		if mkErr := os.MkdirAll(x.dir, 0o700); mkErr != nil {
			return fmt.Errorf("creating index directory: %w", mkErr)
		}
		return x.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("reading index manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("%w: bad manifest: %v", ErrIndexCorrupted, err)
	}
	if m.Metric != x.cfg.Metric || m.Dimension != x.cfg.Dimension {
		return fmt.Errorf("%w: index has metric=%s dimension=%d, config wants metric=%s dimension=%d",
			ErrMetricMismatch, m.Metric, m.Dimension, x.cfg.Metric, x.cfg.Dimension)
	}

	rawRows, err := os.ReadFile(filepath.Join(x.dir, rowsFile))
	if err != nil {
		return fmt.Errorf("reading row map: %w", err)
	}
	var rd rowData
	if err := json.Unmarshal(rawRows, &rd); err != nil {
		return fmt.Errorf("%w: bad row map: %v", ErrIndexCorrupted, err)
	}

	rawVecs, err := os.ReadFile(filepath.Join(x.dir, vectorsFile))
	if err != nil {
		return fmt.Errorf("reading vector arena: %w", err)
	}
	var vectors [][]float32
	if err := gob.NewDecoder(bytes.NewReader(rawVecs)).Decode(&vectors); err != nil {
		return fmt.Errorf("%w: bad vector arena: %v", ErrIndexCorrupted, err)
	}

	rowToChunk := make(map[int64]string, len(rd.Rows))
	chunkToRow := make(map[string]int64, len(rd.Rows))
	for key, chunkID := range rd.Rows {
		row, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad row key %q", ErrIndexCorrupted, key)
		}
		if row < 0 || row >= int64(len(vectors)) {
			return fmt.Errorf("%w: row %d outside arena of %d vectors", ErrIndexCorrupted, row, len(vectors))
		}
		if _, dup := chunkToRow[chunkID]; dup {
			return fmt.Errorf("%w: chunk %s mapped to multiple rows", ErrIndexCorrupted, chunkID)
		}
		rowToChunk[row] = chunkID
		chunkToRow[chunkID] = row
	}

	tombstones := make(map[int64]struct{}, len(rd.Tombstones))
	for _, row := range rd.Tombstones {
		tombstones[row] = struct{}{}
	}

	x.vectors = vectors
	x.rowToChunk = rowToChunk
	x.chunkToRow = chunkToRow
	x.tombstones = tombstones
	x.logger.Debug("vector index loaded",
		zap.Int("vectors", len(vectors)),
		zap.Int("live", len(rowToChunk)),
		zap.Int("tombstones", len(tombstones)))
	return nil
}

// Save persists the manifest, row map and vector arena, each written to a
// temp file and renamed into place. The ingestion pipeline calls this during
// the staging step, before the registry commit.
func (x *Index) Save() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.dirty {
		return nil
	}
	if err := x.saveLocked(); err != nil {
		return err
	}
	x.dirty = false
	return nil
}

func (x *Index) saveLocked() error {
	m := manifest{Version: 1, Metric: x.cfg.Metric, Dimension: x.cfg.Dimension}
	rawManifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}

	rd := rowData{
		Rows:       make(map[string]string, len(x.rowToChunk)),
		Tombstones: make([]int64, 0, len(x.tombstones)),
		NextRow:    int64(len(x.vectors)),
	}
	for row, chunkID := range x.rowToChunk {
		rd.Rows[strconv.FormatInt(row, 10)] = chunkID
	}
	for row := range x.tombstones {
		rd.Tombstones = append(rd.Tombstones, row)
	}
	rawRows, err := json.MarshalIndent(rd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling row map: %w", err)
	}

	var vecBuf bytes.Buffer
	if err := gob.NewEncoder(&vecBuf).Encode(x.vectors); err != nil {
		return fmt.Errorf("encoding vector arena: %w", err)
	}

	for _, f := range []struct {
		name string
		data []byte
	}{
		{vectorsFile, vecBuf.Bytes()},
		{rowsFile, rawRows},
		{manifestFile, rawManifest},
	} {
		path := filepath.Join(x.dir, f.name)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, f.data, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("replacing %s: %w", f.name, err)
		}
	}
	return nil
}
