package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shamexln/hl7parse/internal/codesystem"

	"go.uber.org/zap"
)

// CodeSystemTagRepository 自定义字典的 SQL 镜像
//
//	codesystem_mappings(name, created_at, updated_at)
//	codesystem_tags(mapping_name, position, encode, ..., extra jsonb)
type CodeSystemTagRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ codesystem.Store = (*CodeSystemTagRepository)(nil)

// NewCodeSystemTagRepository 创建字典镜像仓库
func NewCodeSystemTagRepository(db *sql.DB, logger *zap.Logger) *CodeSystemTagRepository {
	return &CodeSystemTagRepository{
		db:     db,
		logger: logger,
	}
}

// Save 在一个事务内替换字典的全部标签
func (r *CodeSystemTagRepository) Save(ctx context.Context, m *codesystem.MappingSnapshot) error {
	if m == nil || m.Name == "" {
		return fmt.Errorf("mapping name is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO codesystem_mappings (name, created_at, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
	`, m.Name, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM codesystem_tags WHERE mapping_name = $1`, m.Name); err != nil {
		return fmt.Errorf("failed to clear mapping tags: %w", err)
	}

	for i, tag := range m.Tags {
		extra, err := encodeExtra(tag.Extra)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO codesystem_tags (
				mapping_name, position, encode, description, observationtype, datatype,
				parameterlabel, encodesystem, subid, source, channel, extra
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			m.Name, i, tag.Encode, tag.Description, tag.ObservationType, tag.DataType,
			tag.ParameterLabel, tag.EncodeSystem, tag.SubID, tag.Source, tag.Channel, extra,
		)
		if err != nil {
			return fmt.Errorf("failed to insert tag %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Debug("Mapping mirrored to database", zap.String("name", m.Name), zap.Int("tags", len(m.Tags)))
	return nil
}

// Delete 删除字典及其标签
func (r *CodeSystemTagRepository) Delete(ctx context.Context, name string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM codesystem_tags WHERE mapping_name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete mapping tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM codesystem_mappings WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadAll 读取全部字典（按名字排序，标签按 position）
func (r *CodeSystemTagRepository) LoadAll(ctx context.Context) ([]*codesystem.MappingSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, created_at, updated_at
		FROM codesystem_mappings
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var out []*codesystem.MappingSnapshot
	byName := make(map[string]*codesystem.MappingSnapshot)
	for rows.Next() {
		m := &codesystem.MappingSnapshot{Tags: []codesystem.Tag{}}
		if err := rows.Scan(&m.Name, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		out = append(out, m)
		byName[m.Name] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mappings: %w", err)
	}

	tagRows, err := r.db.QueryContext(ctx, `
		SELECT mapping_name, encode, description, observationtype, datatype,
		       parameterlabel, encodesystem, subid, source, channel, extra
		FROM codesystem_tags
		ORDER BY mapping_name, position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer tagRows.Close()

	for tagRows.Next() {
		var (
			name  string
			tag   codesystem.Tag
			extra []byte
		)
		if err := tagRows.Scan(
			&name,
			&tag.Encode,
			&tag.Description,
			&tag.ObservationType,
			&tag.DataType,
			&tag.ParameterLabel,
			&tag.EncodeSystem,
			&tag.SubID,
			&tag.Source,
			&tag.Channel,
			&extra,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		m, ok := byName[name]
		if !ok {
			r.logger.Warn("Orphan code system tag row", zap.String("mapping_name", name))
			continue
		}
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &tag.Extra); err != nil {
				return nil, fmt.Errorf("failed to decode tag extra for %s: %w", name, err)
			}
			if len(tag.Extra) == 0 {
				tag.Extra = nil
			}
		}
		m.Tags = append(m.Tags, tag)
	}
	if err := tagRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tags: %w", err)
	}

	return out, nil
}

func encodeExtra(extra map[string]string) (interface{}, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tag extra: %w", err)
	}
	return string(b), nil
}
