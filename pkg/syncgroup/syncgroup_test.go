package syncgroup

import (
	"sync/atomic"
	"testing"
)

func TestSyncGroup_RunAndWait(t *testing.T) {
	sg := NewSyncGroup()
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		sg.Add(func() { n.Add(1) })
	}
	sg.Add(nil)
	sg.Run()
	sg.Wait()

	if n.Load() != 5 {
		t.Fatalf("expected 5 runs, got %d", n.Load())
	}
	if sg.Running() != 0 {
		t.Fatalf("expected nothing running, got %d", sg.Running())
	}

	// 第二轮只跑新加入的函数
	sg.Add(func() { n.Add(10) })
	sg.Run()
	sg.Wait()
	if n.Load() != 15 {
		t.Fatalf("expected 15, got %d", n.Load())
	}
}
