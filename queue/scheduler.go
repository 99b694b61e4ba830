package queue

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"forum-automod/platform"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Notifier posts a plain message to a channel. *discordgo.Session satisfies it.
type Notifier interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Status is a snapshot of the pending work.
type Status struct {
	High   int
	Normal int
	Low    int
	ETA    time.Duration
}

// Total is the number of pending tasks across all lanes.
func (s Status) Total() int {
	return s.High + s.Normal + s.Low
}

func (s Status) String() string {
	minutes := math.Ceil(s.ETA.Seconds()) / 60
	return fmt.Sprintf("Remaining queue: High: %d Normal: %d Low: %d Estimated time: %.2f minutes",
		s.High, s.Normal, s.Low, minutes)
}

// Scheduler holds three FIFO lanes and executes at most one task at a time.
// Producers call Add from any goroutine; a single driver calls Step or Run.
type Scheduler struct {
	mu    sync.Mutex
	lanes [numLanes][]*Task
	busy  atomic.Bool

	taskCost time.Duration
	notifier Notifier
	logger   *zap.Logger
}

// New creates a scheduler. taskCost is the flat per-task estimate used for the drain ETA.
// notifier may be nil, in which case permission notices are skipped.
func New(taskCost time.Duration, notifier Notifier, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		taskCost: taskCost,
		notifier: notifier,
		logger:   logger,
	}
}

// Add appends task to the lane of priority p and returns the estimated time to drain the queue.
// Unknown priorities go to the low lane.
func (s *Scheduler) Add(task *Task, p Priority) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task != nil {
		if p < Low || p > High {
			p = Low
		}
		s.lanes[p] = append(s.lanes[p], task)
		s.logger.Debug("task queued", zap.Stringer("task", task), zap.Stringer("priority", p))
	}
	s.observe()
	return s.eta()
}

// Remove cancels a pending task. It reports whether the task was found.
func (s *Scheduler) Remove(task *Task) bool {
	if task == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := range s.lanes {
		for i, t := range s.lanes[p] {
			if t == task {
				s.lanes[p][i] = nil
				s.observe()
				return true
			}
		}
	}
	return false
}

// RemoveChannel cancels every pending task bound to channelID and returns how many were dropped.
func (s *Scheduler) RemoveChannel(channelID string) int {
	if channelID == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for p := range s.lanes {
		for i, t := range s.lanes[p] {
			if t != nil && t.ChannelID == channelID {
				s.lanes[p][i] = nil
				n++
			}
		}
	}
	if n > 0 {
		s.observe()
	}
	return n
}

// Step executes the next task, high lane first, FIFO within a lane. It is a no-op while another
// task is in flight or when nothing is pending, and reports whether a task ran.
func (s *Scheduler) Step(ctx context.Context) bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	defer s.busy.Store(false)

	task := s.pop()
	if task == nil {
		s.purge()
		return false
	}

	s.execute(ctx, task)
	s.purge()
	s.logger.Debug(s.Status().String())
	return true
}

// Busy reports whether a task is in flight.
func (s *Scheduler) Busy() bool {
	return s.busy.Load()
}

// Run calls Step every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}

// Status returns the lane sizes and the drain estimate.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		High:   count(s.lanes[High]),
		Normal: count(s.lanes[Normal]),
		Low:    count(s.lanes[Low]),
		ETA:    s.eta(),
	}
}

// Empty reports whether no task is pending.
func (s *Scheduler) Empty() bool {
	return s.Status().Total() == 0
}

// Clear drops all pending tasks. A task in flight is not affected.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.lanes {
		s.lanes[p] = nil
	}
	s.observe()
}

func (s *Scheduler) pop() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := High; p >= Low; p-- {
		lane := s.lanes[p]
		for len(lane) > 0 {
			t := lane[0]
			lane[0] = nil
			lane = lane[1:]
			if t != nil {
				s.lanes[p] = lane
				s.observe()
				return t
			}
		}
		s.lanes[p] = lane
	}
	return nil
}

// purge drops cancelled slots left behind by Remove.
func (s *Scheduler) purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.lanes {
		kept := s.lanes[p][:0]
		for _, t := range s.lanes[p] {
			if t != nil {
				kept = append(kept, t)
			}
		}
		s.lanes[p] = kept
	}
}

func (s *Scheduler) execute(ctx context.Context, task *Task) {
	start := time.Now()
	log := s.logger.With(zap.Stringer("task", task), zap.String("channel_id", task.ChannelID))

	defer func() {
		taskDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			taskCount.WithLabelValues("panic").Inc()
			log.Error("task panicked", zap.Any("panic", r))
		}
	}()

	log.Info("processing task")
	err := task.run(ctx)

	kind := platform.Classify(err)
	taskCount.WithLabelValues(kind.String()).Inc()
	switch kind {
	case platform.KindNone:
	case platform.KindForbidden:
		log.Warn("no permission for task", zap.Error(err))
		s.notifyForbidden(task)
	case platform.KindNotFound:
		log.Debug("task target no longer exists", zap.Error(err))
	default:
		log.Error("task failed", zap.Stringer("kind", kind), zap.Error(err))
	}
}

func (s *Scheduler) notifyForbidden(task *Task) {
	if s.notifier == nil || task.ChannelID == "" {
		return
	}
	content := fmt.Sprintf("Could not complete `%s`: missing permissions. The task has been removed from the queue.", task.Name)
	if _, err := s.notifier.ChannelMessageSend(task.ChannelID, content); err != nil {
		s.logger.Debug("could not post permission notice", zap.String("channel_id", task.ChannelID), zap.Error(err))
	}
}

// observe publishes lane sizes. Callers hold mu.
func (s *Scheduler) observe() {
	laneSize.WithLabelValues(High.String()).Set(float64(count(s.lanes[High])))
	laneSize.WithLabelValues(Normal.String()).Set(float64(count(s.lanes[Normal])))
	laneSize.WithLabelValues(Low.String()).Set(float64(count(s.lanes[Low])))
}

// eta is the flat-cost drain estimate. Callers hold mu.
func (s *Scheduler) eta() time.Duration {
	n := count(s.lanes[High]) + count(s.lanes[Normal]) + count(s.lanes[Low])
	return time.Duration(n) * s.taskCost
}

func count(lane []*Task) int {
	n := 0
	for _, t := range lane {
		if t != nil {
			n++
		}
	}
	return n
}
