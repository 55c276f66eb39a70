package indexer

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ragserver/internal/chunker"
	"ragserver/internal/domain"
	"ragserver/internal/registry"
	"ragserver/internal/vectorstore"
)

// Indexer fills a configuration's vector collection from its data
// directory. Plain-text files are window-chunked; .jsonl files with
// question/answer objects become atomic QA chunks.
type Indexer struct {
	embedder domain.Embedder
	store    vectorstore.Storage
	log      logrus.FieldLogger
}

func New(embedder domain.Embedder, store vectorstore.Storage, log logrus.FieldLogger) *Indexer {
	return &Indexer{embedder: embedder, store: store, log: log}
}

// Failure records one source document that could not be indexed.
type Failure struct {
	SourceID string
	Err      string
}

// Report summarizes one indexing run. Per-document failures are isolated
// here rather than aborting the batch.
type Report struct {
	Configuration string
	Documents     int
	Chunks        int
	Skipped       int
	// Removed counts sources whose indexed chunks were deleted because the
	// source disappeared from the data directory or emptied out.
	Removed  int
	Failures []Failure
	Duration time.Duration
}

// Index scans the configuration's data directory and upserts embeddings
// into its collection. With full=true the collection is dropped and rebuilt;
// otherwise sources whose content hash is already indexed are skipped, and
// chunks of sources that emptied or vanished from the directory are removed.
// Each source document is embedded and upserted as one unit, so concurrent
// queries never observe a half-updated document.
func (ix *Indexer) Index(ctx context.Context, cfg *registry.Configuration, full bool) (*Report, error) {
	started := time.Now()
	report := &Report{Configuration: cfg.Name}

	ck, err := chunker.New(cfg.VectorDB.ChunkSize, cfg.VectorDB.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(cfg.DataDirectory)
	if err != nil {
		return nil, fmt.Errorf("index %s: read data directory: %w", cfg.Name, err)
	}

	collection := cfg.VectorDB.CollectionName
	existing := map[string]string{}
	if full {
		if err := ix.store.Drop(ctx, collection); err != nil {
			return nil, fmt.Errorf("index %s: drop collection: %w", cfg.Name, err)
		}
	} else {
		existing, err = ix.store.SourceHashes(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("index %s: read indexed hashes: %w", cfg.Name, err)
		}
	}

	ensured := false
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".txt" && ext != ".jsonl" {
			continue
		}
		sourceID := entry.Name()
		seen[sourceID] = true
		path := filepath.Join(cfg.DataDirectory, sourceID)
		data, err := os.ReadFile(path)
		if err != nil {
			report.Failures = append(report.Failures, Failure{SourceID: sourceID, Err: err.Error()})
			continue
		}
		hash := contentHash(data)
		if !full && existing[sourceID] == hash {
			report.Skipped++
			continue
		}

		var chunks []domain.Chunk
		if ext == ".txt" {
			chunks = ck.Split(sourceID, string(data))
		} else {
			chunks = qaChunks(sourceID, data)
		}
		for i := range chunks {
			chunks[i].ContentHash = hash
		}
		if len(chunks) == 0 {
			// A source that emptied out since the last run still sheds its
			// indexed chunks.
			if _, wasIndexed := existing[sourceID]; wasIndexed && !full {
				if err := ix.store.DeleteBySource(ctx, collection, sourceID); err != nil {
					report.Failures = append(report.Failures, Failure{SourceID: sourceID, Err: err.Error()})
					continue
				}
				report.Removed++
			}
			continue
		}

		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err := ix.embedder.EmbedBatch(ctx, cfg.VectorDB.EmbeddingModel, texts)
		if err != nil {
			ix.log.WithFields(logrus.Fields{"config": cfg.Name, "source": sourceID}).
				WithError(err).Warn("embedding failed, skipping source")
			report.Failures = append(report.Failures, Failure{SourceID: sourceID, Err: err.Error()})
			continue
		}

		if !ensured {
			if err := ix.store.Ensure(ctx, collection, len(vectors[0])); err != nil {
				return nil, fmt.Errorf("index %s: ensure collection: %w", cfg.Name, err)
			}
			ensured = true
		}

		// Stale chunks from a previous version of this source go first, so
		// the upsert below leaves the document fully replaced.
		if !full {
			if err := ix.store.DeleteBySource(ctx, collection, sourceID); err != nil {
				report.Failures = append(report.Failures, Failure{SourceID: sourceID, Err: err.Error()})
				continue
			}
		}

		points := make([]vectorstore.Point, len(chunks))
		for i, c := range chunks {
			points[i] = vectorstore.Point{
				ID:     PointID(sourceID, c.Index),
				Vector: vectors[i],
				Chunk:  c,
			}
		}
		if err := ix.store.Upsert(ctx, collection, points); err != nil {
			ix.log.WithFields(logrus.Fields{"config": cfg.Name, "source": sourceID}).
				WithError(err).Warn("upsert failed, skipping source")
			report.Failures = append(report.Failures, Failure{SourceID: sourceID, Err: err.Error()})
			continue
		}
		report.Documents++
		report.Chunks += len(chunks)
	}

	// Sources deleted from the data directory lose their indexed chunks too.
	for sourceID := range existing {
		if seen[sourceID] {
			continue
		}
		if err := ix.store.DeleteBySource(ctx, collection, sourceID); err != nil {
			report.Failures = append(report.Failures, Failure{SourceID: sourceID, Err: err.Error()})
			continue
		}
		report.Removed++
	}

	report.Duration = time.Since(started)
	ix.log.WithFields(logrus.Fields{
		"config":    cfg.Name,
		"documents": report.Documents,
		"chunks":    report.Chunks,
		"skipped":   report.Skipped,
		"removed":   report.Removed,
		"failures":  len(report.Failures),
		"duration":  report.Duration.Round(time.Millisecond).String(),
	}).Info("indexing finished")
	return report, nil
}

// PointID derives the stable vector-store id for a chunk. The same source
// and chunk index always map to the same id, so re-indexing overwrites
// instead of duplicating.
func PointID(sourceID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("ragserver/%s#%d", sourceID, index))).String()
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// qaChunks parses line-delimited JSON question/answer pairs. Lines that are
// not valid JSON or lack either field are skipped, matching the tolerant
// behavior expected of hand-maintained data files.
func qaChunks(sourceID string, data []byte) []domain.Chunk {
	var chunks []domain.Chunk
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	idx := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var pair struct {
			Question string `json:"question"`
			Answer   string `json:"answer"`
		}
		if err := json.Unmarshal([]byte(line), &pair); err != nil {
			continue
		}
		if pair.Question == "" || pair.Answer == "" {
			continue
		}
		chunks = append(chunks, chunker.QAChunk(sourceID, idx, pair.Question, pair.Answer))
		idx++
	}
	return chunks
}
