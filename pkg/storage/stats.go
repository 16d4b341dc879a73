package storage

import (
	"context"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
)

// ListJobs returns jobs matching the filter, oldest first.
func (s *GormStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.JobRecord, error) {
	q := s.db.WithContext(ctx).Model(&core.JobRecord{})

	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.JobType != "" {
		q = q.Where("job_type = ?", filter.JobType)
	}
	if filter.PipelineID != "" {
		q = q.Where("pipeline_id = ?", filter.PipelineID)
	}
	if filter.CorrelationID != "" {
		q = q.Where("correlation_id = ?", filter.CorrelationID)
	}
	if filter.RetryDueBefore != nil {
		q = q.Where("status = ? AND next_retry_at < ?", core.StatusRetrying, *filter.RetryDueBefore)
	}
	if filter.ReleasedBefore != nil {
		q = q.Where("status = ? AND released_at < ?", core.StatusPending, *filter.ReleasedBefore)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var jobs []*core.JobRecord
	err := q.Order("created_at ASC, id ASC").Find(&jobs).Error
	return jobs, err
}

// CountJobsByStatus groups job counts by status, optionally within one pipeline.
func (s *GormStore) CountJobsByStatus(ctx context.Context, pipelineID string) (map[core.JobStatus]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row

	q := s.db.WithContext(ctx).Model(&core.JobRecord{})
	if pipelineID != "" {
		q = q.Where("pipeline_id = ?", pipelineID)
	}
	err := q.Select("status, count(*) as count").Group("status").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[core.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[core.JobStatus(r.Status)] = r.Count
	}
	return counts, nil
}

// ListPipelines returns pipelines matching the filter, newest first.
func (s *GormStore) ListPipelines(ctx context.Context, filter core.PipelineFilter) ([]*core.PipelineRecord, error) {
	q := s.db.WithContext(ctx).Model(&core.PipelineRecord{})

	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.Name != "" {
		q = q.Where("name = ?", filter.Name)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var pipelines []*core.PipelineRecord
	err := q.Order("created_at DESC, id ASC").Find(&pipelines).Error
	return pipelines, err
}

// CountPipelinesByStatus groups pipeline counts by status.
func (s *GormStore) CountPipelinesByStatus(ctx context.Context) (map[core.PipelineStatus]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.PipelineRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[core.PipelineStatus]int64, len(rows))
	for _, r := range rows {
		counts[core.PipelineStatus(r.Status)] = r.Count
	}
	return counts, nil
}
