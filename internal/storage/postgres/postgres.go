package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/hou-li-xie/media-service/internal/config"
	"github.com/hou-li-xie/media-service/internal/storage"
	"github.com/hou-li-xie/media-service/internal/types/media"
	_ "github.com/lib/pq"
)

const artifactsTable = "artifacts"

var artifactColumns = []string{
	"id", "file_type", "final_name", "original_name", "upload_id",
	"size_bytes", "mime_type", "checksum", "created_at",
}

type Postgres struct {
	Db *sql.DB
}

// Open connects using the pgsql section of cfg. The caller owns the handle
// and passes it to New.
func Open(cfg *config.Config) (*sql.DB, error) {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.PGSQL.Host, cfg.PGSQL.Port, cfg.PGSQL.User, cfg.PGSQL.Password, cfg.PGSQL.DBName, cfg.PGSQL.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// New wraps an open handle and makes sure the schema exists.
func New(db *sql.DB) (*Postgres, error) {
	pg := &Postgres{Db: db}
	if err := pg.CreateTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	slog.Info("artifact registry ready")
	return pg, nil
}

func (p *Postgres) CreateTables() error {
	queries := []string{
		`
		CREATE TABLE IF NOT EXISTS artifacts (
			id BIGSERIAL PRIMARY KEY,
			file_type VARCHAR(16) NOT NULL CHECK (file_type IN ('video', 'image')),
			final_name TEXT NOT NULL,
			original_name TEXT NOT NULL,
			upload_id TEXT,
			size_bytes BIGINT NOT NULL,
			mime_type VARCHAR(100) NOT NULL,
			checksum VARCHAR(64) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (file_type, final_name)
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_type_created ON artifacts (file_type, created_at DESC);`,
	}

	for _, q := range queries {
		if _, err := p.Db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

func qb() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

func insertArtifactQuery(rec storage.ArtifactRecord) sq.InsertBuilder {
	return qb().Insert(artifactsTable).
		Columns("file_type", "final_name", "original_name", "upload_id", "size_bytes", "mime_type", "checksum", "created_at").
		Values(string(rec.FileType), rec.FinalName, rec.OriginalName, sql.NullString{String: rec.UploadID, Valid: rec.UploadID != ""},
			rec.Size, rec.MimeType, rec.Checksum, rec.CreatedAt).
		Suffix("ON CONFLICT (file_type, final_name) DO UPDATE SET checksum = EXCLUDED.checksum RETURNING id")
}

func getArtifactQuery(fileType media.FileType, finalName string) sq.SelectBuilder {
	return qb().Select(artifactColumns...).
		From(artifactsTable).
		Where(sq.Eq{"file_type": string(fileType), "final_name": finalName})
}

func listArtifactsQuery(f storage.ArtifactFilter) sq.SelectBuilder {
	q := qb().Select(artifactColumns...).
		From(artifactsTable).
		OrderBy("created_at DESC", "id DESC")
	if f.FileType != "" {
		q = q.Where(sq.Eq{"file_type": string(f.FileType)})
	}
	limit := f.Limit
	if limit == 0 || limit > 500 {
		limit = 100
	}
	q = q.Limit(limit)
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	return q
}

func (p *Postgres) RecordArtifact(ctx context.Context, rec storage.ArtifactRecord) (int64, error) {
	query, args, err := insertArtifactQuery(rec).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}

	var id int64
	if err := p.Db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("record artifact %s: %w", rec.FinalName, err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (storage.ArtifactRecord, error) {
	var (
		rec      storage.ArtifactRecord
		fileType string
		uploadID sql.NullString
	)
	err := row.Scan(&rec.ID, &fileType, &rec.FinalName, &rec.OriginalName, &uploadID,
		&rec.Size, &rec.MimeType, &rec.Checksum, &rec.CreatedAt)
	if err != nil {
		return storage.ArtifactRecord{}, err
	}
	rec.FileType = media.FileType(fileType)
	rec.UploadID = uploadID.String
	return rec, nil
}

func (p *Postgres) GetArtifact(ctx context.Context, fileType media.FileType, finalName string) (storage.ArtifactRecord, error) {
	query, args, err := getArtifactQuery(fileType, finalName).ToSql()
	if err != nil {
		return storage.ArtifactRecord{}, fmt.Errorf("build select: %w", err)
	}

	rec, err := scanArtifact(p.Db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ArtifactRecord{}, storage.ErrArtifactNotFound
	}
	if err != nil {
		return storage.ArtifactRecord{}, fmt.Errorf("get artifact %s: %w", finalName, err)
	}
	return rec, nil
}

func (p *Postgres) ListArtifacts(ctx context.Context, filter storage.ArtifactFilter) ([]storage.ArtifactRecord, error) {
	query, args, err := listArtifactsQuery(filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	rows, err := p.Db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	records := []storage.ArtifactRecord{}
	for rows.Next() {
		rec, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
