package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dkurganov/partsmarket/internal/model"
)

// CreateMission сохраняет новую миссию и возвращает её идентификатор.
func (r *PostgresRepository) CreateMission(ctx context.Context, m *model.Mission) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO missions (type, target_value, reward_type, reward_value, sort_order, active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		string(m.Type), m.TargetValue, string(m.RewardType), m.RewardValue, m.SortOrder, m.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert mission: %w", err)
	}
	return id, nil
}

// UpdateMission обновляет конфигурацию миссии.
func (r *PostgresRepository) UpdateMission(ctx context.Context, m *model.Mission) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE missions
		 SET type = $2, target_value = $3, reward_type = $4, reward_value = $5,
		     sort_order = $6, active = $7
		 WHERE id = $1`,
		m.ID, string(m.Type), m.TargetValue, string(m.RewardType), m.RewardValue, m.SortOrder, m.Active,
	)
	if err != nil {
		return fmt.Errorf("update mission: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMissionNotFound
	}
	return nil
}

// DeleteMission деактивирует миссию. Физически строки не удаляются,
// чтобы сохранить ссылки из прогресса пользователей.
func (r *PostgresRepository) DeleteMission(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE missions SET active = FALSE WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("delete mission: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMissionNotFound
	}
	return nil
}

// GetMission возвращает миссию по идентификатору.
func (r *PostgresRepository) GetMission(ctx context.Context, id int64) (*model.Mission, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, type, target_value, reward_type, reward_value, sort_order, active
		 FROM missions
		 WHERE id = $1`,
		id,
	)

	m, err := scanMission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMissionNotFound
		}
		return nil, err
	}
	return m, nil
}

// ListMissions возвращает миссии в порядке сортировки; onlyActive ограничивает
// выборку активными.
func (r *PostgresRepository) ListMissions(ctx context.Context, onlyActive bool) ([]model.Mission, error) {
	query := `SELECT id, type, target_value, reward_type, reward_value, sort_order, active
	          FROM missions`
	if onlyActive {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY sort_order, id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select missions: %w", err)
	}
	defer rows.Close()

	return scanMissions(rows)
}

func scanMission(row pgx.Row) (*model.Mission, error) {
	var m model.Mission
	var mType, rewardType string
	err := row.Scan(&m.ID, &mType, &m.TargetValue, &rewardType, &m.RewardValue, &m.SortOrder, &m.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan mission: %w", err)
	}
	m.Type = model.MissionType(mType)
	m.RewardType = model.RewardType(rewardType)
	return &m, nil
}

func scanMissions(rows pgx.Rows) ([]model.Mission, error) {
	var missions []model.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return missions, nil
}
