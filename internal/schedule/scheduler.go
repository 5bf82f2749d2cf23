package schedule

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"strategy-bot-go/internal/calendar"
	"strategy-bot-go/internal/models"

	"go.uber.org/zap"
)

const defaultHistoryLimit = 1000

type queueItem struct {
	at  time.Time
	seq uint64
	run *models.ScheduledRun
}

// runQueue is a min-heap ordered by time, then insertion sequence.
type runQueue []*queueItem

func (q runQueue) Len() int { return len(q) }

func (q runQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q runQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *runQueue) Push(x any) { *q = append(*q, x.(*queueItem)) }

func (q *runQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Scheduler keeps the time-ordered queue of pending runs across all bots.
type Scheduler struct {
	mu sync.Mutex

	queue   runQueue
	seq     uint64
	running map[string]*models.ScheduledRun
	configs map[string]*models.BotConfig
	history []*models.ScheduledRun
	histCap int
	cal     calendar.Calendar
	loc     *time.Location
	start   TimeOfDay
	end     TimeOfDay
	resched bool
	now     func() time.Time
	logger  *zap.Logger
}

// NewScheduler creates a scheduler. Run times are computed in loc; nil means UTC.
func NewScheduler(cal calendar.Calendar, loc *time.Location, settings models.GlobalBotSettings, logger *zap.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		running: make(map[string]*models.ScheduledRun),
		configs: make(map[string]*models.BotConfig),
		histCap: defaultHistoryLimit,
		cal:     cal,
		loc:     loc,
		now:     time.Now,
		logger:  logger,
	}
	if err := s.UpdateSettings(settings); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateSettings applies the trading-hours window and the missed-run policy.
func (s *Scheduler) UpdateSettings(settings models.GlobalBotSettings) error {
	start, err := ParseTimeOfDay(settings.TradingHoursStart)
	if err != nil {
		return fmt.Errorf("trading hours start: %w", err)
	}
	end, err := ParseTimeOfDay(settings.TradingHoursEnd)
	if err != nil {
		return fmt.Errorf("trading hours end: %w", err)
	}
	if start.Hour*60+start.Minute >= end.Hour*60+end.Minute {
		return fmt.Errorf("trading hours %s-%s are empty", start, end)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start, s.end = start, end
	s.resched = settings.RescheduleMissedRuns
	return nil
}

// SetClock replaces the wall clock, used by replay runs.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetHistoryLimit bounds how many finished runs are retained.
func (s *Scheduler) SetHistoryLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.histCap = n
		s.trimHistoryLocked()
	}
}

// ScheduleBot computes the bot's next run and queues it, replacing any pending entry for the bot.
// It returns ErrNoValidTime when the schedule cannot produce a time.
func (s *Scheduler) ScheduleBot(cfg *models.BotConfig) (*models.ScheduledRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked(cfg.Clone(), s.now())
}

func (s *Scheduler) scheduleLocked(cfg *models.BotConfig, after time.Time) (*models.ScheduledRun, error) {
	s.configs[cfg.BotID] = cfg
	s.removePendingLocked(cfg.BotID)

	next, err := ComputeNextRun(cfg.Schedule, after.In(s.loc), s.cal)
	if err != nil {
		s.logger.Warn("Could not schedule bot", zap.String("bot_id", cfg.BotID), zap.Error(err))
		return nil, err
	}

	run := &models.ScheduledRun{
		ID:            models.NewID("run"),
		BotID:         cfg.BotID,
		ScheduledTime: next,
		Status:        models.RunPending,
		CreatedAt:     after,
	}
	s.seq++
	heap.Push(&s.queue, &queueItem{at: next, seq: s.seq, run: run})
	s.logger.Debug("Scheduled bot run",
		zap.String("bot_id", cfg.BotID),
		zap.String("run_id", run.ID),
		zap.Time("scheduled_time", next))
	return cloneRun(run), nil
}

// UnscheduleBot removes every queued entry for the bot and forgets its schedule.
func (s *Scheduler) UnscheduleBot(botID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, botID)
	return s.removePendingLocked(botID)
}

func (s *Scheduler) removePendingLocked(botID string) int {
	kept := s.queue[:0]
	removed := 0
	for _, item := range s.queue {
		if item.run.BotID == botID {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	if removed > 0 {
		heap.Init(&s.queue)
	}
	return removed
}

// GetDueRuns pops every run scheduled at or before now and marks it running.
// Later runs stay queued.
func (s *Scheduler) GetDueRuns(now time.Time) []*models.ScheduledRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.ScheduledRun
	for s.queue.Len() > 0 && !s.queue[0].at.After(now) {
		item := heap.Pop(&s.queue).(*queueItem)
		if item.run.Status != models.RunPending {
			continue
		}
		item.run.Status = models.RunRunning
		s.running[item.run.ID] = item.run
		due = append(due, cloneRun(item.run))
	}
	return due
}

// MarkCompleted finishes a running run and queues the bot's next occurrence when it is still
// registered and enabled. The returned run is the new pending entry, if any.
func (s *Scheduler) MarkCompleted(runID string, exec *models.Execution) *models.ScheduledRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.finishLocked(runID, models.RunCompleted)
	if !ok {
		return nil
	}
	if exec != nil {
		run.ExecutionID = exec.ID
		run.Reason = string(exec.Status)
	}
	return s.rescheduleLocked(run)
}

// MarkMissed finishes a running run without executing it. The bot is only rescheduled when the
// reschedule-missed-runs setting is on; otherwise it drops out of the queue until rescheduled.
func (s *Scheduler) MarkMissed(runID, reason string) *models.ScheduledRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.finishLocked(runID, models.RunMissed)
	if !ok {
		return nil
	}
	run.Reason = reason
	s.logger.Info("Scheduled run missed",
		zap.String("bot_id", run.BotID),
		zap.String("run_id", run.ID),
		zap.String("reason", reason))
	if !s.resched {
		return nil
	}
	return s.rescheduleLocked(run)
}

func (s *Scheduler) finishLocked(runID string, status models.RunStatus) (*models.ScheduledRun, bool) {
	run, ok := s.running[runID]
	if !ok {
		s.logger.Warn("Unknown or already finished run", zap.String("run_id", runID))
		return nil, false
	}
	delete(s.running, runID)
	run.Status = status
	run.FinishedAt = s.now()
	s.history = append(s.history, run)
	s.trimHistoryLocked()
	return run, true
}

// rescheduleLocked queues the next occurrence after the finished run's slot, so a run that
// completes before its own scheduled time cannot be queued for the same slot again.
func (s *Scheduler) rescheduleLocked(finished *models.ScheduledRun) *models.ScheduledRun {
	cfg, ok := s.configs[finished.BotID]
	if !ok || !cfg.Enabled {
		return nil
	}
	after := s.now()
	if finished.ScheduledTime.After(after) {
		after = finished.ScheduledTime
	}
	next, err := s.scheduleLocked(cfg, after)
	if err != nil {
		return nil
	}
	return next
}

func (s *Scheduler) trimHistoryLocked() {
	if over := len(s.history) - s.histCap; over > 0 {
		s.history = append([]*models.ScheduledRun(nil), s.history[over:]...)
	}
}

// GetUpcomingRuns returns pending runs sorted by time, optionally filtered to one bot.
// A limit <= 0 returns all of them.
func (s *Scheduler) GetUpcomingRuns(limit int, botID string) []*models.ScheduledRun {
	s.mu.Lock()
	items := make([]*queueItem, 0, len(s.queue))
	for _, item := range s.queue {
		if item.run.Status != models.RunPending {
			continue
		}
		if botID != "" && item.run.BotID != botID {
			continue
		}
		items = append(items, &queueItem{at: item.at, seq: item.seq, run: cloneRun(item.run)})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return runQueue(items).Less(i, j) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	runs := make([]*models.ScheduledRun, len(items))
	for i, item := range items {
		runs[i] = item.run
	}
	return runs
}

// GetNextRun returns the bot's earliest pending run.
func (s *Scheduler) GetNextRun(botID string) (*models.ScheduledRun, bool) {
	runs := s.GetUpcomingRuns(1, botID)
	if len(runs) == 0 {
		return nil, false
	}
	return runs[0], true
}

// History returns finished runs, newest last, optionally filtered to one bot.
func (s *Scheduler) History(botID string) []*models.ScheduledRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ScheduledRun, 0, len(s.history))
	for _, r := range s.history {
		if botID == "" || r.BotID == botID {
			out = append(out, cloneRun(r))
		}
	}
	return out
}

// Pending returns the number of queued runs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// IsTradingHours reports whether t falls on a trading day inside the configured window.
// The window is interpreted in the scheduler's location and is half-open: [start, end).
func (s *Scheduler) IsTradingHours(t time.Time) bool {
	s.mu.Lock()
	start, end := s.start, s.end
	s.mu.Unlock()

	local := t.In(s.loc)
	if calendar.IsWeekend(local) {
		return false
	}
	if s.cal != nil && s.cal.IsHoliday(local) {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= start.Hour*60+start.Minute && minutes < end.Hour*60+end.Minute
}

// Location returns the zone run times are computed in.
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

func cloneRun(r *models.ScheduledRun) *models.ScheduledRun {
	c := *r
	return &c
}
