package tasks

import (
	"fmt"

	"github.com/hibiken/asynq"
)

// NewScheduler registers the periodic maintenance tasks: pod reaping
// every five minutes and registry pruning daily.
func NewScheduler(redis asynq.RedisClientOpt) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redis, nil)
	if _, err := scheduler.Register("@every 5m", asynq.NewTask(TypePodsReap, nil)); err != nil {
		return nil, fmt.Errorf("registering pod reaper schedule: %w", err)
	}
	if _, err := scheduler.Register("@daily", asynq.NewTask(TypeImagesPrune, nil)); err != nil {
		return nil, fmt.Errorf("registering image pruner schedule: %w", err)
	}
	return scheduler, nil
}
