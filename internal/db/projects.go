package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attemptengine/attemptd/internal/model"
)

// ErrNotFound is returned by single-row accessors when no row matches.
var ErrNotFound = errors.New("db: not found")

// CreateProject inserts p, stamping CreatedAt/UpdatedAt if zero.
func (d *DB) CreateProject(p *model.Project) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	copyFiles, err := json.Marshal(p.CopyFiles)
	if err != nil {
		return fmt.Errorf("db: marshaling copy_files: %w", err)
	}

	_, err = d.Exec(`
		INSERT INTO projects (id, name, git_repo_path, setup_script, dev_script, cleanup_script, copy_files, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.GitRepoPath, p.SetupScript, p.DevScript, p.CleanupScript, string(copyFiles),
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("db: inserting project %s: %w", p.ID, err)
	}
	return nil
}

// GetProject fetches a project by id.
func (d *DB) GetProject(id string) (*model.Project, error) {
	row := d.QueryRow(`
		SELECT id, name, git_repo_path, setup_script, dev_script, cleanup_script, copy_files, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns every project, ordered by name.
func (d *DB) ListProjects() ([]*model.Project, error) {
	rows, err := d.Query(`
		SELECT id, name, git_repo_path, setup_script, dev_script, cleanup_script, copy_files, created_at, updated_at
		FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("db: listing projects: %w", err)
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*model.Project, error) {
	var p model.Project
	var copyFiles string
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.GitRepoPath, &p.SetupScript, &p.DevScript, &p.CleanupScript,
		&copyFiles, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db: scanning project: %w", err)
	}
	if err := json.Unmarshal([]byte(copyFiles), &p.CopyFiles); err != nil {
		return nil, fmt.Errorf("db: unmarshaling copy_files: %w", err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
