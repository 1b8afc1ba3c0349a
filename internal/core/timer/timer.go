// Package timer 实现 Engine 用来调度重传/超时回调的定时器服务：
// 一个按截止时间排序的堆，外加一个可在插入更早期限时被唤醒的等待原语。
//
// spec 里的原始设计用一对 socketpair 搭建的自管道（self-pipe）配合 poll 来
// 实现“插入更早的定时器就唤醒等待者”，是为了将来接入基于 poll 的事件循环
// 预留的接口；这里换成一个容量为 1 的 channel 达到同样的“先到先唤醒”语义，
// 是 spec 设计说明里显式允许的等价实现。
package timer

import (
	"container/heap"
	"sync"
	"time"

	"tcpforge/internal/core/clock"
)

// ID 标识一个已调度的定时器，由 Service 单调递增分配
type ID int64

// Callback 是定时器到期时在定时器线程上执行的回调
type Callback func()

type entry struct {
	id       ID
	deadline clock.Timestamp
	seq      int64 // 插入序号，用于在截止时间相同时保持稳定顺序
	cb       Callback
}

// entryHeap 是一个按 (deadline, seq) 排序的最小堆
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Service 是一个进程内的定时器服务：add_timer/cancel_timer 供任意线程调用，
// RunExpired 由专门的定时器 goroutine 反复调用
type Service struct {
	mu      sync.Mutex
	heap    entryHeap
	byID    map[ID]*entry
	nextID  ID
	nextSeq int64
	wake    chan struct{} // 容量为 1，替代 spec 里的 self-pipe
	stopped bool
}

// NewService 创建一个空的定时器服务
func NewService() *Service {
	return &Service{
		byID: make(map[ID]*entry),
		wake: make(chan struct{}, 1),
	}
}

// AddTimer 注册一个在 when 到期时触发 cb 的定时器，返回可用于取消的 ID
// 如果新条目成为最早的截止时间（或堆原本为空），会唤醒正在等待的 RunExpired
func (s *Service) AddTimer(when clock.Timestamp, cb Callback) ID {
	s.mu.Lock()
	wasEarliest := len(s.heap) == 0 || when < s.heap[0].deadline

	s.nextID++
	id := s.nextID
	s.nextSeq++
	e := &entry{id: id, deadline: when, seq: s.nextSeq, cb: cb}
	heap.Push(&s.heap, e)
	s.byID[id] = e
	s.mu.Unlock()

	if wasEarliest {
		s.notify()
	}
	return id
}

// CancelTimer 移除 id 对应的定时器（如果仍存在）。取消发生在其截止时间之前
// 的定时器永远不会触发回调。
func (s *Service) CancelTimer(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	for i, he := range s.heap {
		if he == e {
			heap.Remove(&s.heap, i)
			break
		}
	}
}

// Stop 让正在阻塞的或未来的 RunExpired 调用立即返回，不再投递任何回调
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.notify()
}

// Stopped 报告 Stop 是否已经被调用过
func (s *Service) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// RunExpired 阻塞直到最早的定时器到期（或被新插入的更早定时器唤醒，
// 或服务被 Stop），然后按截止时间顺序在调用者的 goroutine 上执行所有到期的回调。
// 典型用法是在一个专门的定时器 goroutine 里循环调用它。
func (s *Service) RunExpired() {
	s.wait()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	var expired []*entry
	now := clock.Now()
	for len(s.heap) > 0 && !now.Before(s.heap[0].deadline) {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.byID, e.id)
		expired = append(expired, e)
	}
	s.mu.Unlock()

	for _, e := range expired {
		e.cb()
	}
}

func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// wait 计算到最早截止时间的剩余时间；在这之前它反复挂起在 wake 上，
// 每次被早到的插入唤醒时都会重新计算剩余时间
func (s *Service) wait() {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		var remaining time.Duration
		if len(s.heap) == 0 {
			remaining = time.Second
		} else {
			remaining = s.heap[0].deadline.Sub(clock.Now())
		}
		s.mu.Unlock()

		if remaining <= time.Millisecond {
			return
		}

		select {
		case <-s.wake:
			continue
		case <-time.After(remaining):
			return
		}
	}
}
