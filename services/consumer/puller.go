package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const cursorKey = "updates_cursor"

// PullReport summarises one pull cycle.
type PullReport struct {
	Checked   int       `json:"checked"`
	Applied   int       `json:"applied"`
	Unchanged int       `json:"unchanged"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Errors    []string  `json:"errors,omitempty"`
	Cursor    time.Time `json:"cursor"`
}

// PullerConfig tunes the puller.
type PullerConfig struct {
	// Interval between cycles in Run.
	Interval time.Duration
	// InstallNew applies templates that have no local mapping yet. Otherwise only
	// templates already installed are kept current.
	InstallNew bool
}

// Puller polls the publisher's updates feed and applies what changed. It is the pull
// counterpart to the webhook.
type Puller struct {
	orm     *gorm.DB
	engine  *Engine
	fetcher *Fetcher
	config  PullerConfig
	logger  zerolog.Logger
	mu      sync.Mutex
	now     func() time.Time
}

// NewPuller wires a puller.
func NewPuller(orm *gorm.DB, engine *Engine, fetcher *Fetcher, cfg PullerConfig, logger zerolog.Logger) (*Puller, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Puller{orm: orm, engine: engine, fetcher: fetcher, config: cfg, logger: logger, now: time.Now}, nil
}

// Run pulls once immediately and then on every interval until ctx is cancelled.
func (p *Puller) Run(ctx context.Context) error {
	if _, err := p.SyncOnce(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("initial pull failed")
	}

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.SyncOnce(ctx); err != nil {
				p.logger.Warn().Err(err).Msg("pull failed")
			}
		}
	}
}

// SyncOnce runs one pull cycle. The cursor only advances past updates that were
// handled, so a failed template is retried next cycle.
func (p *Puller) SyncOnce(ctx context.Context) (PullReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cursor, err := p.cursor(ctx)
	if err != nil {
		return PullReport{}, err
	}
	report := PullReport{Cursor: cursor}

	updates, err := p.fetcher.Updates(ctx, cursor)
	if err != nil {
		pullsTotal.WithLabelValues("failed").Inc()
		return report, fmt.Errorf("pull updates: %w", err)
	}

	blocked := false
	for _, u := range updates {
		report.Checked++
		err := p.handle(ctx, u, &report)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s@%s: %v", u.GlobalTemplateID, u.Version, err))
			p.logger.Warn().Err(err).
				Str("global_template_id", u.GlobalTemplateID.String()).
				Str("version", u.Version).
				Msg("pull apply failed")
			blocked = true
			continue
		}
		if !blocked && u.PublishedAt.After(report.Cursor) {
			report.Cursor = u.PublishedAt
		}
	}

	if report.Cursor.After(cursor) {
		if err := p.setCursor(ctx, report.Cursor); err != nil {
			return report, err
		}
	}

	outcome := "ok"
	if report.Failed > 0 {
		outcome = "partial"
	}
	pullsTotal.WithLabelValues(outcome).Inc()
	p.logger.Info().
		Int("checked", report.Checked).
		Int("applied", report.Applied).
		Int("unchanged", report.Unchanged).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("pull finished")
	return report, nil
}

func (p *Puller) handle(ctx context.Context, u Update, report *PullReport) error {
	m, err := p.engine.Mapping(ctx, u.GlobalTemplateID)
	switch {
	case err == nil:
		if m.Status == MappingDisabled {
			report.Skipped++
			return nil
		}
		if strings.EqualFold(m.LastChecksum, u.Checksum) {
			report.Unchanged++
			return nil
		}
	case errors.Is(err, ErrNotFound):
		if !p.config.InstallNew {
			report.Skipped++
			return nil
		}
	default:
		return err
	}

	a, err := p.fetcher.Artifact(ctx, u.GlobalTemplateID, u.Version)
	if err != nil {
		return err
	}
	res, err := p.engine.Apply(ctx, a)
	if err != nil {
		return err
	}
	if res.Unchanged {
		report.Unchanged++
	} else {
		report.Applied++
	}
	return nil
}

func (p *Puller) cursor(ctx context.Context) (time.Time, error) {
	var s settingModel
	err := p.orm.WithContext(ctx).First(&s, "name = ?", cursorKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load pull cursor: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, s.Value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse pull cursor %q: %w", s.Value, err)
	}
	return t, nil
}

func (p *Puller) setCursor(ctx context.Context, t time.Time) error {
	s := settingModel{Name: cursorKey, Value: t.UTC().Format(time.RFC3339Nano), UpdatedAt: p.now().UTC()}
	err := p.orm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&s).Error
	if err != nil {
		return fmt.Errorf("store pull cursor: %w", err)
	}
	return nil
}
