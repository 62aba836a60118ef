// Package postgres stores crews, fills, positions, snapshots and strategies
// with gorm on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/repository"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	defaultHost    = "localhost"
	defaultPort    = 5432
	defaultSSLMode = "disable"
)

type Option struct {
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (opt Option) dsn() string {
	if opt.DSN != "" {
		return opt.DSN
	}
	host := opt.Host
	if host == "" {
		host = defaultHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	u := &url.URL{Scheme: "postgres", Host: fmt.Sprintf("%s:%d", host, port)}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}
	u.RawQuery = url.Values{"sslmode": []string{sslMode}}.Encode()
	return u.String()
}

// Open connects and migrates the schema.
func Open(opt Option) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(opt.dsn()), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&crewRecord{}, &fillRecord{}, &positionRecord{}, &snapshotRecord{}, &strategyRecord{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// New returns repositories backed by db.
func New(db *gorm.DB) *repository.Set {
	return &repository.Set{
		Crews:      &crewRepository{db: db},
		Fills:      &fillRepository{db: db},
		Positions:  &positionRepository{db: db},
		Snapshots:  &snapshotRepository{db: db},
		Strategies: &strategyRepository{db: db},
	}
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &models.PersistenceError{Op: op, Err: err}
}

func lookupErr(op, kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.NotFoundError{Kind: kind, ID: id}
	}
	return persistErr(op, err)
}

type crewRepository struct{ db *gorm.DB }

func (r *crewRepository) Save(ctx context.Context, crew *models.Crew) error {
	return persistErr("save crew", r.db.WithContext(ctx).Save(newCrewRecord(crew)).Error)
}

func (r *crewRepository) Get(ctx context.Context, id string) (*models.Crew, error) {
	var rec crewRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, lookupErr("get crew", "crew", id, err)
	}
	return rec.model(), nil
}

func (r *crewRepository) List(ctx context.Context) ([]*models.Crew, error) {
	var recs []crewRecord
	if err := r.db.WithContext(ctx).Order("created_at, id").Find(&recs).Error; err != nil {
		return nil, persistErr("list crews", err)
	}
	out := make([]*models.Crew, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].model())
	}
	return out, nil
}

func (r *crewRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&crewRecord{}, "id = ?", id)
	if res.Error != nil {
		return persistErr("delete crew", res.Error)
	}
	if res.RowsAffected == 0 {
		return &models.NotFoundError{Kind: "crew", ID: id}
	}
	return nil
}

type fillRepository struct{ db *gorm.DB }

func (r *fillRepository) Save(ctx context.Context, fill models.Fill) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(newFillRecord(fill)).Error
	return persistErr("save fill", err)
}

func (r *fillRepository) Get(ctx context.Context, id string) (models.Fill, error) {
	var rec fillRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return models.Fill{}, lookupErr("get fill", "fill", id, err)
	}
	return rec.model(), nil
}

func (r *fillRepository) ListBy(ctx context.Context, crewID string) ([]models.Fill, error) {
	return r.find(r.db.WithContext(ctx).Where("crew_id = ?", crewID))
}

func (r *fillRepository) List(ctx context.Context) ([]models.Fill, error) {
	return r.find(r.db.WithContext(ctx))
}

func (r *fillRepository) find(q *gorm.DB) ([]models.Fill, error) {
	var recs []fillRecord
	if err := q.Order("timestamp, sequence").Find(&recs).Error; err != nil {
		return nil, persistErr("list fills", err)
	}
	out := make([]models.Fill, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].model())
	}
	return out, nil
}

type positionRepository struct{ db *gorm.DB }

func (r *positionRepository) Save(ctx context.Context, pos models.Position) error {
	return persistErr("save position", r.db.WithContext(ctx).Save(newPositionRecord(pos)).Error)
}

func (r *positionRepository) Get(ctx context.Context, crewID, symbol string) (models.Position, error) {
	var rec positionRecord
	err := r.db.WithContext(ctx).First(&rec, "crew_id = ? AND symbol = ?", crewID, symbol).Error
	if err != nil {
		return models.Position{}, lookupErr("get position", "position", crewID+"/"+symbol, err)
	}
	return rec.model(), nil
}

func (r *positionRepository) ListBy(ctx context.Context, crewID string) ([]models.Position, error) {
	var recs []positionRecord
	if err := r.db.WithContext(ctx).Where("crew_id = ?", crewID).Order("symbol").Find(&recs).Error; err != nil {
		return nil, persistErr("list positions", err)
	}
	out := make([]models.Position, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].model())
	}
	return out, nil
}

type snapshotRepository struct{ db *gorm.DB }

func (r *snapshotRepository) Save(ctx context.Context, snap models.PerformanceSnapshot) error {
	rec := &snapshotRecord{CrewID: snap.CrewID, AsOf: snap.AsOf, Snapshot: snap}
	return persistErr("save snapshot", r.db.WithContext(ctx).Save(rec).Error)
}

func (r *snapshotRepository) Get(ctx context.Context, crewID string, asOf time.Time) (models.PerformanceSnapshot, error) {
	var rec snapshotRecord
	err := r.db.WithContext(ctx).
		Where("crew_id = ? AND as_of <= ?", crewID, asOf).
		Order("as_of DESC").
		First(&rec).Error
	if err != nil {
		return models.PerformanceSnapshot{}, lookupErr("get snapshot", "snapshot", crewID, err)
	}
	return rec.Snapshot, nil
}

func (r *snapshotRepository) ListBy(ctx context.Context, crewID string) ([]models.PerformanceSnapshot, error) {
	var recs []snapshotRecord
	if err := r.db.WithContext(ctx).Where("crew_id = ?", crewID).Order("as_of").Find(&recs).Error; err != nil {
		return nil, persistErr("list snapshots", err)
	}
	out := make([]models.PerformanceSnapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Snapshot)
	}
	return out, nil
}

type strategyRepository struct{ db *gorm.DB }

func (r *strategyRepository) Save(ctx context.Context, s *models.Strategy) error {
	return persistErr("save strategy", r.db.WithContext(ctx).Create(newStrategyRecord(s)).Error)
}

func (r *strategyRepository) Get(ctx context.Context, ref models.StrategyRef) (*models.Strategy, error) {
	var rec strategyRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ? AND version = ?", ref.ID, ref.Version).Error
	if err != nil {
		return nil, lookupErr("get strategy", "strategy", ref.String(), err)
	}
	return rec.model(), nil
}

func (r *strategyRepository) ListBy(ctx context.Context, id string) ([]*models.Strategy, error) {
	return r.find(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *strategyRepository) List(ctx context.Context) ([]*models.Strategy, error) {
	return r.find(r.db.WithContext(ctx))
}

func (r *strategyRepository) find(q *gorm.DB) ([]*models.Strategy, error) {
	var recs []strategyRecord
	if err := q.Order("id, version").Find(&recs).Error; err != nil {
		return nil, persistErr("list strategies", err)
	}
	out := make([]*models.Strategy, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].model())
	}
	return out, nil
}
