// Package artifacts implements the Artifact Registry: a metadata layer over
// the Blob Store recording per-file descriptors, enforcing dedup by
// fingerprint, and driving ingestion from a sandbox session's output
// directory.
//
// Grounded on backend/artifacts/ingest.py (ingest_files): per-file size
// check, fingerprint + MIME sniff, blob copy, per-reference-row Artifact
// insert, staging-file deletion, best-effort download URL attachment, and a
// single commit transaction after all per-file work completes. Per-file
// work is parallelized with golang.org/x/sync/errgroup since each file's
// hash/copy/stat is independent of the others; the commit step still
// applies once, after the fan-out.
package artifacts

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/corvidai/assistant-backend/internal/apperr"
	"github.com/corvidai/assistant-backend/internal/blobstore"
	"github.com/corvidai/assistant-backend/internal/tokens"
)

const maxConcurrentIngest = 4

// Artifact is one metadata row referencing exactly one blob.
type Artifact struct {
	ID         string
	ThreadID   string
	Fingerprint string
	Filename   string
	MIME       string
	Size       int64
	SessionID  string
	RunID      string
	ToolCallID string
	CreatedAt  time.Time
}

// Descriptor is what callers (the Streaming Orchestrator, the download
// endpoint) see: an Artifact plus an optional download URL, or an
// ingest-time error.
type Descriptor struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	MIME      string    `json:"mime,omitempty"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Registry is the Artifact Registry.
type Registry struct {
	db          *pgxpool.Pool
	blobs       *blobstore.Store
	tokens      *tokens.Service
	maxFileSize int64
}

// New returns a Registry backed by db and blobs. tokenSvc may be nil, in
// which case ingest never attaches download URLs.
func New(db *pgxpool.Pool, blobs *blobstore.Store, tokenSvc *tokens.Service, maxFileSize int64) *Registry {
	return &Registry{db: db, blobs: blobs, tokens: tokenSvc, maxFileSize: maxFileSize}
}

type ingestResult struct {
	desc Descriptor
	row  *Artifact // nil when the file was rejected (size) or failed before a row could be built
}

// Ingest processes hostPaths produced by one sandbox exec, returning one
// descriptor per path in the same order. Rejected (over-size) files get an
// error descriptor and are skipped; otherwise each file is hashed, copied
// into the Blob Store, and inserted as a new Artifact row — a distinct row
// per ingest call even when the blob already exists, per the registry's
// per-reference-row dedup policy.
func (r *Registry) Ingest(ctx context.Context, threadID, sessionID, runID, toolCallID string, hostPaths []string) ([]Descriptor, error) {
	results := make([]ingestResult, len(hostPaths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentIngest)

	for i, path := range hostPaths {
		i, path := i, path
		g.Go(func() error {
			res, err := r.ingestOne(gctx, threadID, sessionID, runID, toolCallID, path)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	descriptors := make([]Descriptor, len(results))
	var rows []*Artifact
	for i, res := range results {
		descriptors[i] = res.desc
		if res.row != nil {
			rows = append(rows, res.row)
		}
	}

	if len(rows) > 0 {
		if err := r.commitRows(ctx, rows); err != nil {
			// Blobs are already in place and content-addressed; per spec.md
			// §4.3 step 7, a commit failure leaves them for safe re-ingest.
			return nil, fmt.Errorf("artifacts: commit ingest rows: %w", err)
		}
		for i, res := range results {
			if res.row == nil {
				continue
			}
			descriptors[i].ID = res.row.ID
			descriptors[i].CreatedAt = res.row.CreatedAt
			if r.tokens != nil {
				if url, err := r.downloadURL(res.row.ID); err == nil {
					descriptors[i].URL = url
				}
				// Best-effort: a failure to mint a URL does not fail ingest.
			}
		}
	}
	return descriptors, nil
}

func (r *Registry) ingestOne(ctx context.Context, threadID, sessionID, runID, toolCallID, path string) (ingestResult, error) {
	name := filepath.Base(path)

	info, err := os.Stat(path)
	if err != nil {
		return ingestResult{}, fmt.Errorf("artifacts: stat %s: %w", path, err)
	}
	if info.Size() > r.maxFileSize {
		return ingestResult{desc: Descriptor{
			Name:  name,
			Size:  info.Size(),
			Error: fmt.Sprintf("File too large (> %d bytes).", r.maxFileSize),
		}}, nil
	}

	fp, err := blobstore.Fingerprint(path)
	if err != nil {
		return ingestResult{}, err
	}
	mimeType := sniffMIME(name)
	if err := r.blobs.Put(path, fp); err != nil {
		return ingestResult{}, err
	}

	row := &Artifact{
		ID:          uuid.NewString(),
		ThreadID:    threadID,
		Fingerprint: fp,
		Filename:    name,
		MIME:        mimeType,
		Size:        info.Size(),
		SessionID:   sessionID,
		RunID:       runID,
		ToolCallID:  toolCallID,
		CreatedAt:   time.Now().UTC(),
	}

	blobstore.Delete(path)

	return ingestResult{
		desc: Descriptor{Name: name, MIME: mimeType, Size: info.Size(), SHA256: fp},
		row:  row,
	}, nil
}

func (r *Registry) commitRows(ctx context.Context, rows []*Artifact) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, row := range rows {
		_, err := tx.Exec(ctx, `
			INSERT INTO artifacts (id, thread_id, fingerprint, filename, mime, size, session_id, run_id, tool_call_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			row.ID, row.ThreadID, row.Fingerprint, row.Filename, row.MIME, row.Size,
			nullable(row.SessionID), nullable(row.RunID), nullable(row.ToolCallID), row.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Registry) downloadURL(artifactID string) (string, error) {
	tok, err := r.tokens.Issue(artifactID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/artifacts/%s?token=%s", artifactID, tok), nil
}

// GetByID looks up an Artifact by id.
func (r *Registry) GetByID(ctx context.Context, id string) (*Artifact, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, thread_id, fingerprint, filename, mime, size,
		       COALESCE(session_id,''), COALESCE(run_id,''), COALESCE(tool_call_id,''), created_at
		FROM artifacts WHERE id = $1`, id)
	var a Artifact
	err := row.Scan(&a.ID, &a.ThreadID, &a.Fingerprint, &a.Filename, &a.MIME, &a.Size,
		&a.SessionID, &a.RunID, &a.ToolCallID, &a.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFound("artifact %s not found", id)
		}
		return nil, err
	}
	return &a, nil
}

// FindByFingerprint returns every Artifact row sharing fingerprint.
func (r *Registry) FindByFingerprint(ctx context.Context, fingerprint string) ([]Artifact, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, thread_id, fingerprint, filename, mime, size,
		       COALESCE(session_id,''), COALESCE(run_id,''), COALESCE(tool_call_id,''), created_at
		FROM artifacts WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.ThreadID, &a.Fingerprint, &a.Filename, &a.MIME, &a.Size,
			&a.SessionID, &a.RunID, &a.ToolCallID, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// BlobPath returns the filesystem path of the blob backing an Artifact.
func (r *Registry) BlobPath(a *Artifact) string {
	return r.blobs.PathFor(a.Fingerprint)
}

func sniffMIME(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
