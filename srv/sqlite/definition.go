package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"agentflow/domain"
)

const flowDefinitionColumns = `id, name, version, status, active, description, blueprint, created, updated, published_at`

func (s *Storage) PersistFlowDefinition(ctx context.Context, def domain.FlowDefinition) error {
	query := `
		INSERT INTO flow_definitions (` + flowDefinitionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			active = excluded.active,
			description = excluded.description,
			blueprint = excluded.blueprint,
			updated = excluded.updated,
			published_at = excluded.published_at
	`
	_, err := s.db.ExecContext(ctx, query,
		def.Id, def.Name, def.Version, def.Status, def.Active, def.Description, string(def.Blueprint),
		millis(def.Created), millis(def.Updated), nullMillis(def.PublishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to persist flow definition: %w", err)
	}
	return nil
}

func (s *Storage) GetFlowDefinition(ctx context.Context, definitionId string) (domain.FlowDefinition, error) {
	query := `SELECT ` + flowDefinitionColumns + ` FROM flow_definitions WHERE id = ?`
	def, err := scanFlowDefinition(s.db.QueryRowContext(ctx, query, definitionId))
	if err != nil {
		return domain.FlowDefinition{}, notFoundOr(err, "failed to get flow definition")
	}
	return def, nil
}

func (s *Storage) GetActiveFlowDefinition(ctx context.Context, name string) (domain.FlowDefinition, error) {
	query := `SELECT ` + flowDefinitionColumns + ` FROM flow_definitions
		WHERE name = ? AND active = 1 ORDER BY version DESC LIMIT 1`
	def, err := scanFlowDefinition(s.db.QueryRowContext(ctx, query, name))
	if err != nil {
		return domain.FlowDefinition{}, notFoundOr(err, "failed to get active flow definition")
	}
	return def, nil
}

// GetFlowDefinitionVersions returns every version of name, newest first.
func (s *Storage) GetFlowDefinitionVersions(ctx context.Context, name string) ([]domain.FlowDefinition, error) {
	query := `SELECT ` + flowDefinitionColumns + ` FROM flow_definitions WHERE name = ? ORDER BY version DESC`
	rows, err := s.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow definitions: %w", err)
	}
	defer rows.Close()

	defs := []domain.FlowDefinition{}
	for rows.Next() {
		def, err := scanFlowDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow definition row: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over flow definition rows: %w", err)
	}
	return defs, nil
}

func (s *Storage) DeactivateOtherFlowDefinitions(ctx context.Context, name, keepId string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE flow_definitions SET active = 0 WHERE name = ? AND id != ?`, name, keepId)
	if err != nil {
		return fmt.Errorf("failed to deactivate flow definitions: %w", err)
	}
	return nil
}

func (s *Storage) PersistFlowDefinitionHistory(ctx context.Context, history domain.FlowDefinitionHistory) error {
	query := `
		INSERT INTO flow_definition_history (
			id, definition_id, name, version, status, blueprint, change_notes, created_by, created
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		history.Id, history.DefinitionId, history.Name, history.Version, history.Status,
		string(history.Blueprint), history.ChangeNotes, history.CreatedBy, millis(history.Created),
	)
	if err != nil {
		return fmt.Errorf("failed to persist flow definition history: %w", err)
	}
	return nil
}

func (s *Storage) GetFlowDefinitionHistory(ctx context.Context, definitionId string) ([]domain.FlowDefinitionHistory, error) {
	query := `
		SELECT id, definition_id, name, version, status, blueprint, change_notes, created_by, created
		FROM flow_definition_history WHERE definition_id = ? ORDER BY created, id
	`
	rows, err := s.db.QueryContext(ctx, query, definitionId)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow definition history: %w", err)
	}
	defer rows.Close()

	histories := []domain.FlowDefinitionHistory{}
	for rows.Next() {
		var h domain.FlowDefinitionHistory
		var blueprint string
		var created int64
		if err := rows.Scan(&h.Id, &h.DefinitionId, &h.Name, &h.Version, &h.Status, &blueprint, &h.ChangeNotes, &h.CreatedBy, &created); err != nil {
			return nil, fmt.Errorf("failed to scan flow definition history row: %w", err)
		}
		h.Blueprint = []byte(blueprint)
		h.Created = fromMillis(created)
		histories = append(histories, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over flow definition history rows: %w", err)
	}
	return histories, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlowDefinition(row rowScanner) (domain.FlowDefinition, error) {
	var def domain.FlowDefinition
	var blueprint string
	var created, updated int64
	var publishedAt sql.NullInt64
	err := row.Scan(
		&def.Id, &def.Name, &def.Version, &def.Status, &def.Active, &def.Description, &blueprint,
		&created, &updated, &publishedAt,
	)
	if err != nil {
		return domain.FlowDefinition{}, err
	}
	def.Blueprint = []byte(blueprint)
	def.Created = fromMillis(created)
	def.Updated = fromMillis(updated)
	def.PublishedAt = fromNullMillis(publishedAt)
	return def, nil
}
