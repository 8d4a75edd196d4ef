package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// Task is one periodic job run by the scheduler.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler drives named periodic tasks, each on its own ticker.
type Scheduler struct {
	tasks  []Task
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *log.Logger

	mu      sync.Mutex
	running bool
}

func New() *Scheduler {
	return &Scheduler{
		stopCh: make(chan struct{}),
		logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(t Task) {
	if t.Interval <= 0 {
		t.Interval = time.Minute
	}
	s.tasks = append(s.tasks, t)
}

// Start launches one goroutine per task. Each task runs once immediately,
// then on its interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.run(ctx, t)
	}
	s.logger.Printf("🕐 Started %d periodic tasks", len(s.tasks))
}

func (s *Scheduler) run(ctx context.Context, t Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	s.tick(ctx, t)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx, t)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, t Task) {
	if err := t.Run(ctx); err != nil {
		s.logger.Printf("❌ Task %s failed: %v", t.Name, err)
	}
}

// Stop halts all tasks and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Println("🛑 Scheduler stopped")
}
