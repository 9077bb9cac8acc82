package drain

import (
	"errors"
	"sync/atomic"
)

// ErrAcceptorInstalled Install 只能呼叫一次
var ErrAcceptorInstalled = errors.New("acceptor already installed")

// Phase 排空狀態機的階段，只會單向前進
type Phase int32

const (
	PhaseRunning Phase = iota
	PhaseDraining
	PhaseForceDraining
	PhaseTerminated
	PhaseTimedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseForceDraining:
		return "force_draining"
	case PhaseTerminated:
		return "terminated"
	case PhaseTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Final 是否為終止狀態
func (p Phase) Final() bool {
	return p == PhaseTerminated || p == PhaseTimedOut
}

type acceptorRef struct {
	acceptor Acceptor
}

// State 整個行程唯一的關機狀態。triggered 與 quiesced 各自只會由 false 變成 true 一次
type State struct {
	triggered atomic.Bool
	quiesced  atomic.Bool
	phase     atomic.Int32
	acceptor  atomic.Pointer[acceptorRef]
}

// Triggered 關機流程是否已開始
func (s *State) Triggered() bool {
	return s.triggered.Load()
}

// Quiesced 靜默等待是否已被某個呼叫者執行
func (s *State) Quiesced() bool {
	return s.quiesced.Load()
}

func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// Acceptor 啟動時安裝的 acceptor，未安裝時為 nil
func (s *State) Acceptor() Acceptor {
	if ref := s.acceptor.Load(); ref != nil {
		return ref.acceptor
	}
	return nil
}

func (s *State) install(a Acceptor) error {
	if !s.acceptor.CompareAndSwap(nil, &acceptorRef{acceptor: a}) {
		return ErrAcceptorInstalled
	}
	return nil
}

// advance 只允許往後的階段轉換，回傳是否真的改變
func (s *State) advance(to Phase) bool {
	for {
		cur := s.phase.Load()
		if Phase(cur) >= to {
			return false
		}
		if s.phase.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}
