package scheduler

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

const (
	jobSettlement = "settlement"
	jobRetry      = "retry"
	jobManual     = "manual"
)

// jobRun returns a logger scoped to one job execution. Every log line from a
// run carries the same run_id so one execution can be filtered out of
// interleaved output.
func (s *Scheduler) jobRun(job string) (*zap.Logger, snowflake.ID) {
	runID := s.node.Generate()
	return s.log.With(
		zap.String("job", job),
		zap.String("run_id", runID.String()),
	), runID
}
