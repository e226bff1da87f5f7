package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/gamenight-scoring/internal/engine"
)

type gameModel struct {
	ID          string `gorm:"primaryKey"`
	Name        string
	Direction   string `gorm:"not null;default:lower_better"`
	PointScheme int    `gorm:"not null;default:1"`
	TeamCount   int
	Metric      string         `gorm:"not null;default:manual"`
	Penalties   []penaltyModel `gorm:"foreignKey:GameID;constraint:OnDelete:CASCADE"`
}

func (gameModel) TableName() string { return "games" }

type teamModel struct {
	ID    string `gorm:"primaryKey"`
	Name  string `gorm:"not null"`
	Color string
}

func (teamModel) TableName() string { return "teams" }

type gameTeamModel struct {
	GameID   string `gorm:"primaryKey"`
	TeamID   string `gorm:"primaryKey"`
	Position int
}

func (gameTeamModel) TableName() string { return "game_teams" }

type penaltyModel struct {
	ID        string `gorm:"primaryKey"`
	GameID    string `gorm:"primaryKey"`
	Position  int
	Name      string
	Value     float64
	Stackable bool
}

func (penaltyModel) TableName() string { return "penalties" }

type scoreModel struct {
	GameID       string `gorm:"primaryKey"`
	TeamID       string `gorm:"primaryKey"`
	ScoreValue   float64
	PenaltyTotal float64
	Points       int
	Rank         int `gorm:"column:standing"`
	TimerAvg     *float64
	TimerCount   int
	UpdatedAt    time.Time
}

func (scoreModel) TableName() string { return "scores" }

// PostgresStore keeps games and scores in PostgreSQL through gorm, with pgx
// as the driver.
type PostgresStore struct {
	db *gorm.DB
}

func OpenPostgres(dsn string) (*PostgresStore, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	sqlDB := stdlib.OpenDB(*cfg)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&gameModel{}, &teamModel{}, &gameTeamModel{}, &penaltyModel{}, &scoreModel{})
}

// Seed upserts games, their rosters and penalties. Saved scores are left alone.
func (s *PostgresStore) Seed(ctx context.Context, games []engine.Game) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, g := range games {
			if err := g.Validate(); err != nil {
				return err
			}
			gm := gameModel{
				ID:          g.ID,
				Name:        g.Name,
				Direction:   string(g.Direction),
				PointScheme: g.PointScheme,
				TeamCount:   g.TeamCount,
				Metric:      string(g.Metric),
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Omit("Penalties").Create(&gm).Error; err != nil {
				return classify("seed game", err)
			}

			for i, t := range g.Teams {
				tm := teamModel{ID: string(t.ID), Name: t.Name, Color: t.Color}
				if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&tm).Error; err != nil {
					return classify("seed team", err)
				}
				gt := gameTeamModel{GameID: g.ID, TeamID: string(t.ID), Position: i}
				if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&gt).Error; err != nil {
					return classify("seed roster", err)
				}
			}

			if err := tx.Where("game_id = ?", g.ID).Delete(&penaltyModel{}).Error; err != nil {
				return classify("seed penalties", err)
			}
			for i, p := range g.Penalties {
				pm := penaltyModel{ID: p.ID, GameID: g.ID, Position: i, Name: p.Name, Value: p.Value, Stackable: p.Stackable}
				if err := tx.Create(&pm).Error; err != nil {
					return classify("seed penalties", err)
				}
			}
		}
		return nil
	})
}

func (s *PostgresStore) LoadGame(ctx context.Context, gameID string) (engine.Game, error) {
	db := s.db.WithContext(ctx)

	var gm gameModel
	err := db.Preload("Penalties", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&gm, "id = ?", gameID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.Game{}, fmt.Errorf("%w: %q", ErrGameNotFound, gameID)
	}
	if err != nil {
		return engine.Game{}, classify("load game", err)
	}

	var teams []teamModel
	err = db.Joins("JOIN game_teams ON game_teams.team_id = teams.id AND game_teams.game_id = ?", gameID).
		Order("game_teams.position").Find(&teams).Error
	if err != nil {
		return engine.Game{}, classify("load roster", err)
	}
	if len(teams) == 0 {
		if err := db.Order("id").Find(&teams).Error; err != nil {
			return engine.Game{}, classify("load teams", err)
		}
	}

	var scores []scoreModel
	if err := db.Where("game_id = ?", gameID).Find(&scores).Error; err != nil {
		return engine.Game{}, classify("load scores", err)
	}

	dir, err := engine.ParseDirection(gm.Direction)
	if err != nil {
		return engine.Game{}, fmt.Errorf("game %q: %w", gameID, err)
	}
	g := engine.Game{
		ID:          gm.ID,
		Name:        gm.Name,
		Direction:   dir,
		PointScheme: gm.PointScheme,
		TeamCount:   gm.TeamCount,
		Metric:      engine.Metric(gm.Metric),
		Scores:      make(map[engine.TeamID]float64, len(scores)),
	}
	for _, t := range teams {
		g.Teams = append(g.Teams, engine.Team{ID: engine.TeamID(t.ID), Name: t.Name, Color: t.Color})
	}
	for _, p := range gm.Penalties {
		g.Penalties = append(g.Penalties, engine.PenaltyDef{ID: p.ID, Name: p.Name, Value: p.Value, Stackable: p.Stackable})
	}
	for _, sc := range scores {
		g.Scores[engine.TeamID(sc.TeamID)] = sc.ScoreValue
	}
	return g, nil
}

func (s *PostgresStore) SaveScores(ctx context.Context, gameID string, recs []engine.ScoreRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]scoreModel, 0, len(recs))
	now := time.Now().UTC()
	for _, r := range recs {
		row := scoreModel{
			GameID:       gameID,
			TeamID:       string(r.TeamID),
			ScoreValue:   r.BaseScore,
			PenaltyTotal: r.PenaltyTotal,
			Points:       r.Points,
			Rank:         r.Rank,
			TimerCount:   r.TimerCount,
			UpdatedAt:    now,
		}
		if r.TimerCount > 0 {
			avg := r.TimerAverage
			row.TimerAvg = &avg
		}
		rows = append(rows, row)
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "game_id"}, {Name: "team_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"score_value", "penalty_total", "points", "standing", "timer_avg", "timer_count", "updated_at",
		}),
	}).Create(&rows).Error
	return classify("save scores", err)
}

func (s *PostgresStore) ListGames(ctx context.Context) ([]GameSummary, error) {
	type row struct {
		ID        string
		Name      string
		Direction string
		Teams     int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&gameModel{}).
		Select("games.id, games.name, games.direction, count(game_teams.team_id) AS teams").
		Joins("LEFT JOIN game_teams ON game_teams.game_id = games.id").
		Group("games.id").Order("games.id").Scan(&rows).Error
	if err != nil {
		return nil, classify("list games", err)
	}
	out := make([]GameSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, GameSummary{ID: r.ID, Name: r.Name, Direction: engine.Direction(r.Direction), Teams: r.Teams})
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// classify adds the PostgreSQL error code, when there is one, to the message.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s (pg %s): %w", op, pgErr.Code, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
