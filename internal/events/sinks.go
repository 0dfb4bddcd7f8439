package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"Mosaic-Protocol/pkg/logger"
)

// Fanout 把事件转发给多个 Sink。
type Fanout []Sink

// Emit 实现 Sink。
func (f Fanout) Emit(ctx context.Context, evt Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(ctx, evt)
		}
	}
}

// LogSink 把事件写入结构化日志。
type LogSink struct {
	log *slog.Logger
}

// NewLogSink 创建日志投递通道。
func NewLogSink() *LogSink {
	return &LogSink{log: logger.Named("events")}
}

// Emit 实现 Sink。
func (s *LogSink) Emit(ctx context.Context, evt Event) {
	s.log.DebugContext(ctx, string(evt.Type),
		slog.String("run_id", evt.RunID),
		slog.Any("payload", evt.Payload))
}

// Recorder 在内存中保存收到的事件，供测试与回放使用。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit 实现 Sink。
func (r *Recorder) Emit(_ context.Context, evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types 按顺序返回事件类型。
func (r *Recorder) Types() []Type {
	evts := r.Events()
	out := make([]Type, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

// Count 统计某一类型事件的数量。
func (r *Recorder) Count(typ Type) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// Async 通过带缓冲的通道异步投递事件，缓冲区满时等待 dropAfter 后丢弃。
type Async struct {
	next      Sink
	ch        chan Event
	dropAfter time.Duration
	dropped   atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// NewAsync 创建异步投递通道并启动后台协程。
func NewAsync(next Sink, buffer int, dropAfter time.Duration) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if dropAfter <= 0 {
		dropAfter = 50 * time.Millisecond
	}
	a := &Async{next: next, ch: make(chan Event, buffer), dropAfter: dropAfter, done: make(chan struct{})}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for evt := range a.ch {
		a.next.Emit(context.Background(), evt)
	}
}

// Emit 实现 Sink。
func (a *Async) Emit(ctx context.Context, evt Event) {
	select {
	case a.ch <- evt:
		return
	default:
	}
	timer := time.NewTimer(a.dropAfter)
	defer timer.Stop()
	select {
	case a.ch <- evt:
	case <-timer.C:
		a.dropped.Add(1)
	case <-ctx.Done():
		a.dropped.Add(1)
	}
}

// Dropped 返回被丢弃的事件数量。
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close 停止接收事件并等待缓冲区排空，之后不得再调用 Emit。
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		close(a.ch)
		<-a.done
	})
}
