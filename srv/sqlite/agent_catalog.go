package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"agentflow/domain"
)

const agentVersionColumns = `id, agent_id, version, status, display_name, description, provider_id, model_id,
	tokenizer, system_prompt, default_options, pricing, created, updated, published_at`

func (s *Storage) PersistAgentVersion(ctx context.Context, version domain.AgentVersion) error {
	options, err := marshalNullable(version.DefaultOptions)
	if err != nil {
		return fmt.Errorf("failed to marshal default options: %w", err)
	}
	pricing, err := marshalNullable(version.Pricing)
	if err != nil {
		return fmt.Errorf("failed to marshal pricing: %w", err)
	}

	query := `
		INSERT INTO agent_versions (` + agentVersionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			display_name = excluded.display_name,
			description = excluded.description,
			provider_id = excluded.provider_id,
			model_id = excluded.model_id,
			tokenizer = excluded.tokenizer,
			system_prompt = excluded.system_prompt,
			default_options = excluded.default_options,
			pricing = excluded.pricing,
			updated = excluded.updated,
			published_at = excluded.published_at
	`
	_, err = s.db.ExecContext(ctx, query,
		version.Id, version.AgentId, version.Version, version.Status, version.DisplayName, version.Description,
		version.ProviderId, version.ModelId, version.Tokenizer, version.SystemPrompt, options, pricing,
		millis(version.Created), millis(version.Updated), nullMillis(version.PublishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to persist agent version: %w", err)
	}
	return nil
}

func (s *Storage) GetAgentVersion(ctx context.Context, versionId string) (domain.AgentVersion, error) {
	query := `SELECT ` + agentVersionColumns + ` FROM agent_versions WHERE id = ?`
	version, err := scanAgentVersion(s.db.QueryRowContext(ctx, query, versionId))
	if err != nil {
		return domain.AgentVersion{}, notFoundOr(err, "failed to get agent version")
	}
	return version, nil
}

func (s *Storage) GetLatestAgentVersion(ctx context.Context, agentId string) (domain.AgentVersion, error) {
	query := `SELECT ` + agentVersionColumns + ` FROM agent_versions
		WHERE agent_id = ? AND status = ? ORDER BY version DESC LIMIT 1`
	version, err := scanAgentVersion(s.db.QueryRowContext(ctx, query, agentId, domain.AgentVersionStatusPublished))
	if err != nil {
		return domain.AgentVersion{}, notFoundOr(err, "failed to get latest agent version")
	}
	return version, nil
}

func (s *Storage) GetAgentVersions(ctx context.Context, agentId string) ([]domain.AgentVersion, error) {
	query := `SELECT ` + agentVersionColumns + ` FROM agent_versions WHERE agent_id = ? ORDER BY version DESC`
	rows, err := s.db.QueryContext(ctx, query, agentId)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent versions: %w", err)
	}
	defer rows.Close()

	versions := []domain.AgentVersion{}
	for rows.Next() {
		version, err := scanAgentVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent version row: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over agent version rows: %w", err)
	}
	return versions, nil
}

func (s *Storage) GetAgentIds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM agent_versions ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over agent ids: %w", err)
	}
	return ids, nil
}

func scanAgentVersion(row rowScanner) (domain.AgentVersion, error) {
	var v domain.AgentVersion
	var options, pricing sql.NullString
	var created, updated int64
	var publishedAt sql.NullInt64
	err := row.Scan(
		&v.Id, &v.AgentId, &v.Version, &v.Status, &v.DisplayName, &v.Description, &v.ProviderId, &v.ModelId,
		&v.Tokenizer, &v.SystemPrompt, &options, &pricing, &created, &updated, &publishedAt,
	)
	if err != nil {
		return domain.AgentVersion{}, err
	}
	if v.DefaultOptions, err = unmarshalNullable[domain.ChatOverrides](options); err != nil {
		return domain.AgentVersion{}, fmt.Errorf("failed to unmarshal default options: %w", err)
	}
	if v.Pricing, err = unmarshalNullable[domain.Pricing](pricing); err != nil {
		return domain.AgentVersion{}, fmt.Errorf("failed to unmarshal pricing: %w", err)
	}
	v.Created = fromMillis(created)
	v.Updated = fromMillis(updated)
	v.PublishedAt = fromNullMillis(publishedAt)
	return v, nil
}
