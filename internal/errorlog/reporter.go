package errorlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/models"
)

const writeTimeout = 5 * time.Second

// Reporter copies failures into app_errors in the background. Reporting never
// blocks the caller and never returns an error to it.
type Reporter struct {
	DB     *bun.DB
	Logger *logger.Logger
	wg     sync.WaitGroup
}

func NewReporter(db *bun.DB, log *logger.Logger) *Reporter {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Reporter{DB: db, Logger: log}
}

func (r *Reporter) Report(feature, message string, payload interface{}, userID, businessID string) {
	if r == nil || r.DB == nil {
		return
	}
	row := &models.AppError{
		ID:         uuid.NewString(),
		Feature:    feature,
		Message:    message,
		UserID:     userID,
		BusinessID: businessID,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			row.Payload = string(b)
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if _, err := r.DB.NewInsert().Model(row).Exec(ctx); err != nil {
			r.Logger.Warn("APP", fmt.Sprintf("failed to record app error for %s: %v", feature, err))
		}
	}()
}

// Wait blocks until queued reports are written, for shutdown and tests.
func (r *Reporter) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}
