package store

import (
	"context"
	"sync"
)

// Feed 为单个订阅者排队事件：发布方永不阻塞，消费方按发布顺序读取。
// Close 之后未投递的事件被丢弃，输出 channel 随后关闭。
type Feed[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	notify chan struct{}
	done   chan struct{}
	out    chan T
}

func NewFeed[T any]() *Feed[T] {
	f := &Feed[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go f.run()
	return f
}

// Push 追加一个事件，订阅已关闭时返回 false。
func (f *Feed[T]) Push(v T) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.queue = append(f.queue, v)
	f.mu.Unlock()
	f.wake()
	return true
}

// Replace 丢弃尚未投递的事件，只保留 v，用于快照型订阅。
func (f *Feed[T]) Replace(v T) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	var zero T
	for i := range f.queue {
		f.queue[i] = zero
	}
	f.queue = append(f.queue[:0], v)
	f.mu.Unlock()
	f.wake()
	return true
}

func (f *Feed[T]) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Feed[T]) C() <-chan T { return f.out }

func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.queue = nil
	close(f.done)
}

func (f *Feed[T]) run() {
	defer close(f.out)
	var zero T
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return
		}
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.notify:
			case <-f.done:
				return
			}
			continue
		}
		v := f.queue[0]
		f.queue[0] = zero
		f.queue = f.queue[1:]
		f.mu.Unlock()
		select {
		case f.out <- v:
		case <-f.done:
			return
		}
	}
}

// Subscription 是一个可释放的实时订阅句柄。
type Subscription[T any] struct {
	feed    *Feed[T]
	once    sync.Once
	release func()

	mu    sync.Mutex
	stops []func() bool
}

// NewSubscription 包装 feed；release 在 Close 时执行一次，用于释放底层资源。
func NewSubscription[T any](feed *Feed[T], release func()) *Subscription[T] {
	return &Subscription[T]{feed: feed, release: release}
}

func (s *Subscription[T]) C() <-chan T { return s.feed.C() }

// Close 释放订阅，可重复调用。
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		s.feed.Close()
		s.mu.Lock()
		stops := s.stops
		s.stops = nil
		s.mu.Unlock()
		for _, stop := range stops {
			stop()
		}
	})
}

// Bind 在 ctx 结束时自动释放订阅。
func Bind[T any](ctx context.Context, s *Subscription[T]) *Subscription[T] {
	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	s.stops = append(s.stops, stop)
	s.mu.Unlock()
	return s
}

// Topics 按主题管理订阅者集合，调用方负责加锁。
type Topics[T any] map[string]map[*Feed[T]]struct{}

func (t Topics[T]) Add(topic string, f *Feed[T]) {
	set := t[topic]
	if set == nil {
		set = make(map[*Feed[T]]struct{})
		t[topic] = set
	}
	set[f] = struct{}{}
}

func (t Topics[T]) Remove(topic string, f *Feed[T]) {
	set := t[topic]
	delete(set, f)
	if len(set) == 0 {
		delete(t, topic)
	}
}

func (t Topics[T]) Publish(topic string, v T) {
	for f := range t[topic] {
		f.Push(v)
	}
}

func (t Topics[T]) PublishLatest(topic string, v T) {
	for f := range t[topic] {
		f.Replace(v)
	}
}
