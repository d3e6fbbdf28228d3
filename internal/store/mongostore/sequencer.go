package mongostore

import (
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/models"
)

// gapWait 是等待缺失 Seq 的上限；超过后认为对应的插入已失败，跳过缺口。
const gapWait = 2 * time.Second

// sequencer 按 Seq 顺序放行 change stream 中的插入。
// Seq 分配与插入提交之间可能被并发写入插队，先到的较大 Seq 暂存到缺口补齐。
type sequencer struct {
	next  int64
	held  map[int64]models.Message
	since time.Time
}

func newSequencer(history []models.Message) *sequencer {
	s := &sequencer{next: 1, held: make(map[int64]models.Message)}
	for _, m := range history {
		if m.Seq >= s.next {
			s.next = m.Seq + 1
		}
	}
	return s
}

// insert 接收一条新消息，返回此刻可以按序放行的消息。
func (s *sequencer) insert(msg models.Message, now time.Time) []models.Message {
	if msg.Seq < s.next {
		return []models.Message{msg}
	}
	if len(s.held) == 0 {
		s.since = now
	}
	s.held[msg.Seq] = msg
	return s.drain(now)
}

// update 在消息仍暂存时就地替换，返回是否已吸收。
func (s *sequencer) update(msg models.Message) bool {
	if h, ok := s.held[msg.Seq]; ok && h.ID == msg.ID {
		s.held[msg.Seq] = msg
		return true
	}
	return false
}

// expire 在等待超过 gapWait 后跳过缺口。
func (s *sequencer) expire(now time.Time) []models.Message {
	if len(s.held) == 0 || now.Sub(s.since) < gapWait {
		return nil
	}
	lowest := int64(-1)
	for seq := range s.held {
		if lowest < 0 || seq < lowest {
			lowest = seq
		}
	}
	s.next = lowest
	return s.drain(now)
}

func (s *sequencer) drain(now time.Time) []models.Message {
	var out []models.Message
	for {
		m, ok := s.held[s.next]
		if !ok {
			break
		}
		delete(s.held, s.next)
		s.next++
		out = append(out, m)
	}
	if len(out) > 0 && len(s.held) > 0 {
		s.since = now
	}
	return out
}
