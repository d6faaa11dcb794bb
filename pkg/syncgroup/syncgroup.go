package syncgroup

import (
	"sync"
)

type syncGroupFunc func()

// SyncGroup 包装 sync.WaitGroup，自动管理 Add()/Done()
// 用法：Add 若干函数 -> Run 启动 -> Wait 等待
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []syncGroupFunc
	running int
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 添加一个待启动的 goroutine 函数
func (w *SyncGroup) Add(fn syncGroupFunc) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, fn)
}

// Run 启动所有待启动的函数，启动后清空待启动列表
func (w *SyncGroup) Run() {
	w.mu.Lock()
	fns := w.pending
	w.pending = nil
	w.running += len(fns)
	w.wg.Add(len(fns))
	w.mu.Unlock()

	for _, fn := range fns {
		go func(doFunc syncGroupFunc) {
			defer func() {
				w.mu.Lock()
				w.running--
				w.mu.Unlock()
				w.wg.Done()
			}()
			doFunc()
		}(fn)
	}
}

// Running 当前仍在运行的 goroutine 数量
func (w *SyncGroup) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Wait 等待所有已启动的 goroutine 完成
func (w *SyncGroup) Wait() {
	w.wg.Wait()
}
