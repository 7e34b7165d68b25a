package engine

import (
	"context"
	"sync"
)

// settlement records which batch ids reached a final outcome. Batch ids are
// issued sequentially from 1 and every sealed batch settles exactly once,
// either persisted or dropped.
type settlement struct {
	mu        sync.Mutex
	low       uint64 // every id <= low has settled
	ahead     map[uint64]struct{}
	firstDrop uint64
	changed   chan struct{}
}

func newSettlement() *settlement {
	return &settlement{
		ahead:   make(map[uint64]struct{}),
		changed: make(chan struct{}),
	}
}

func (s *settlement) settle(id uint64, persisted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !persisted && (s.firstDrop == 0 || id < s.firstDrop) {
		s.firstDrop = id
	}
	if id <= s.low {
		return
	}
	s.ahead[id] = struct{}{}
	for {
		if _, ok := s.ahead[s.low+1]; !ok {
			break
		}
		delete(s.ahead, s.low+1)
		s.low++
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

// wait blocks until every batch up to through settled. It reports false as
// soon as any of them was dropped.
func (s *settlement) wait(ctx context.Context, through uint64) (bool, error) {
	for {
		s.mu.Lock()
		if s.firstDrop != 0 && s.firstDrop <= through {
			s.mu.Unlock()
			return false, nil
		}
		if s.low >= through {
			s.mu.Unlock()
			return true, nil
		}
		ch := s.changed
		s.mu.Unlock()

		// 状态先于取消检查, 已全部落定时取消不影响结果
		if err := ctx.Err(); err != nil {
			return false, err
		}
		select {
		case <-ctx.Done():
		case <-ch:
		}
	}
}
