package instantiation

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fenlake/agentrt/internal/metrics"
)

const (
	groupAgentSuffix        = "_groupAgent"
	restAgentID             = "restagent"
	notificationAgentPrefix = "notificationAgent_"
	messageAgentPrefix      = "messageAgent_"
	phaseBProgressLogEvery  = 100
)

// Boot performs cold start (spec.md §4.1, §9's two-phase boot design note).
//
// Phase A runs synchronously, before Boot returns: the priority set — any
// "<x>_groupAgent" whose referenced prefix id is itself known, plus
// "restagent" if known — is instantiated in-line, and the count actually
// instantiated is logged accurately (resolving spec.md's open question:
// the count reflects real successes, not the size of the candidate set).
//
// Phase B — every other known id — is deferred to a background goroutine so
// Boot returns as soon as the priority set is live, without blocking the
// caller (typically the daemon's startup sequence) on the full population.
func (s *Service) Boot(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.BootDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := s.allKnownIDs(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}

	priority := make([]string, 0)
	rest := make([]string, 0, len(ids))
	prioritySet := make(map[string]struct{})

	for _, id := range ids {
		if id == restAgentID {
			priority = append(priority, id)
			prioritySet[id] = struct{}{}
			continue
		}
		if prefix, ok := strings.CutSuffix(id, groupAgentSuffix); ok {
			if _, refKnown := known[prefix]; refKnown {
				priority = append(priority, id)
				prioritySet[id] = struct{}{}
				continue
			}
		}
	}
	for _, id := range ids {
		if _, ok := prioritySet[id]; ok {
			continue
		}
		rest = append(rest, id)
	}

	awoken := 0
	for _, id := range priority {
		a, err := s.Init(ctx, id, true)
		if err != nil {
			s.logger.Warn("phase A init failed", zap.String("key", id), zap.Error(err))
			metrics.BootFailures.WithLabelValues("A").Inc()
			continue
		}
		if a != nil {
			awoken++
		}
	}
	s.logger.Info("boot phase A complete", zap.Int("candidates", len(priority)), zap.Int("awoken", awoken))

	go s.runPhaseB(context.Background(), rest)

	return nil
}

func (s *Service) allKnownIDs(ctx context.Context) ([]string, error) {
	persisted, err := s.st.AgentIDs(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(persisted))
	ids := make([]string, 0, len(persisted))
	for _, id := range persisted {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	s.tableMu.RLock()
	for id := range s.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	s.tableMu.RUnlock()

	return ids, nil
}

// runPhaseB wakes every remaining id using a bounded worker pool, in two
// rounds: round1 (the common case) first, round2 (notification/message
// fan-out agents, which tend to call back into round1 agents once awake)
// second, so most of their targets are already warm.
func (s *Service) runPhaseB(ctx context.Context, ids []string) {
	round1 := make([]string, 0, len(ids))
	round2 := make([]string, 0)

	for _, id := range ids {
		if id == "" || strings.Contains(id, "{") {
			s.logger.Warn("skipping suspicious boot id", zap.String("key", id))
			continue
		}
		if strings.HasPrefix(id, notificationAgentPrefix) || strings.HasPrefix(id, messageAgentPrefix) {
			round2 = append(round2, id)
			continue
		}
		round1 = append(round1, id)
	}

	var woken atomic.Int64
	wake := func(batch []string) {
		sem := make(chan struct{}, s.phaseBWorkers)
		var wg sync.WaitGroup
		for _, id := range batch {
			id := id
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				a, err := s.Init(ctx, id, true)
				if err != nil {
					s.logger.Warn("phase B init failed", zap.String("key", id), zap.Error(err))
					metrics.BootFailures.WithLabelValues("B").Inc()
					return
				}
				if a == nil {
					return
				}
				n := woken.Add(1)
				if n%phaseBProgressLogEvery == 0 {
					s.logger.Info("boot phase B progress", zap.Int64("awoken", n))
				}
			}()
		}
		wg.Wait()
	}

	wake(round1)
	wake(round2)

	s.logger.Info("boot phase B complete", zap.Int64("awoken", woken.Load()), zap.Int("candidates", len(round1)+len(round2)))
}
