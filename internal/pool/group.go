package pool

import "time"

// Drainable 可分兩階段關閉的工作池
type Drainable interface {
	ShutdownGracefully()
	ShutdownForcefully()
	AwaitTermination(timeout time.Duration) bool
}

// Group 把多個工作池當成一個關閉，等待時共用同一個期限
type Group struct {
	pools []Drainable
}

// NewGroup 忽略 nil
func NewGroup(pools ...Drainable) *Group {
	g := &Group{}
	for _, p := range pools {
		if p != nil {
			g.pools = append(g.pools, p)
		}
	}
	return g
}

func (g *Group) Len() int {
	return len(g.pools)
}

func (g *Group) ShutdownGracefully() {
	for _, p := range g.pools {
		p.ShutdownGracefully()
	}
}

func (g *Group) ShutdownForcefully() {
	for _, p := range g.pools {
		p.ShutdownForcefully()
	}
}

// AwaitTermination 所有成員都在 timeout 內結束才回傳 true
func (g *Group) AwaitTermination(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, p := range g.pools {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if !p.AwaitTermination(remaining) {
			return false
		}
	}
	return true
}
