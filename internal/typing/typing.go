package typing

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/chatid"
	"github.com/RishabhIDS/d8-byte-app/internal/metrics"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
	"github.com/rs/zerolog/log"
)

// Channel 读写用户在某个会话中的正在输入标记。标记存放在发送方名下，由对方订阅。
type Channel struct {
	store Store
}

func NewChannel(s Store) *Channel { return &Channel{store: s} }

// SetTyping 写入 senderID 在会话中的标记，sender 必须是会话参与者。
func (c *Channel) SetTyping(ctx context.Context, senderID, conversationID string, typing bool) error {
	if _, err := chatid.Other(conversationID, senderID); err != nil {
		return err
	}
	if err := c.store.Set(ctx, senderID, conversationID, typing); err != nil {
		return err
	}
	metrics.TypingEventsTotal.WithLabelValues(strconv.FormatBool(typing)).Inc()
	return nil
}

func (c *Channel) Get(ctx context.Context, otherUserID, conversationID string) (bool, error) {
	if _, err := chatid.Other(conversationID, otherUserID); err != nil {
		return false, err
	}
	return c.store.Get(ctx, otherUserID, conversationID)
}

// Subscribe 订阅 otherUserID 在会话中的标记，连续重复值不会推送。
func (c *Channel) Subscribe(ctx context.Context, otherUserID, conversationID string) (*store.Subscription[bool], error) {
	if _, err := chatid.Other(conversationID, otherUserID); err != nil {
		return nil, err
	}
	return c.store.Subscribe(ctx, otherUserID, conversationID)
}

type key struct {
	user string
	conv string
}

type pending struct {
	timer  *time.Timer
	gen    uint64
	typing bool
}

const writeStripes = 64

// Debouncer 把按键事件转换为标记写入：输入非空时立即置 true，
// 静默 quiet 之后置 false；每个 (发送方, 会话) 至多一个待触发的清除定时器。
type Debouncer struct {
	ch    *Channel
	quiet time.Duration

	// writes 按 key 分片串行化“决策 + 写入”，同一 key 的写入顺序与决策顺序一致。
	// 加锁顺序：先 writes，再 mu。
	writes [writeStripes]sync.Mutex

	mu   sync.Mutex
	keys map[key]*pending
}

func (d *Debouncer) stripe(k key) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.user))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.conv))
	return &d.writes[h.Sum32()%writeStripes]
}

func NewDebouncer(ch *Channel, quiet time.Duration) *Debouncer {
	return &Debouncer{ch: ch, quiet: quiet, keys: make(map[key]*pending)}
}

// Keystroke 处理输入框内容变化。
func (d *Debouncer) Keystroke(ctx context.Context, senderID, conversationID, input string) error {
	if _, err := chatid.Other(conversationID, senderID); err != nil {
		return err
	}
	if input == "" {
		return d.Cancel(ctx, senderID, conversationID)
	}
	k := key{senderID, conversationID}
	w := d.stripe(k)
	w.Lock()
	defer w.Unlock()

	d.mu.Lock()
	p := d.keys[k]
	if p == nil {
		p = &pending{}
		d.keys[k] = p
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	gen := p.gen
	wasTyping := p.typing
	p.typing = true
	d.mu.Unlock()

	var err error
	if !wasTyping {
		err = d.ch.SetTyping(ctx, senderID, conversationID, true)
	}

	d.mu.Lock()
	if cur := d.keys[k]; cur == p && p.gen == gen {
		if err != nil {
			// 下一次按键重试写入 true
			p.typing = false
		}
		p.timer = time.AfterFunc(d.quiet, func() { d.expire(k, gen) })
	}
	d.mu.Unlock()
	return err
}

// Cancel 取消待触发的清除并立即置 false，用于清空输入框或发送消息。
func (d *Debouncer) Cancel(ctx context.Context, senderID, conversationID string) error {
	k := key{senderID, conversationID}
	w := d.stripe(k)
	w.Lock()
	defer w.Unlock()
	d.drop(k)
	return d.ch.SetTyping(ctx, senderID, conversationID, false)
}

// drop 停止并移除 k 的待触发定时器。
func (d *Debouncer) drop(k key) {
	d.mu.Lock()
	if p := d.keys[k]; p != nil {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(d.keys, k)
	}
	d.mu.Unlock()
}

func (d *Debouncer) expire(k key, gen uint64) {
	w := d.stripe(k)
	w.Lock()
	defer w.Unlock()
	d.mu.Lock()
	p := d.keys[k]
	if p == nil || p.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.keys, k)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.ch.SetTyping(ctx, k.user, k.conv, false); err != nil {
		log.Warn().Err(err).Str("user_id", k.user).Str("conversation_id", k.conv).Msg("typing clear")
	}
}

// Flush 清除某个发送方的全部标记，连接断开时调用。
func (d *Debouncer) Flush(ctx context.Context, senderID string) {
	d.mu.Lock()
	var keys []key
	for k := range d.keys {
		if k.user == senderID {
			keys = append(keys, k)
		}
	}
	d.mu.Unlock()
	for _, k := range keys {
		d.flushKey(ctx, k)
	}
}

func (d *Debouncer) flushKey(ctx context.Context, k key) {
	w := d.stripe(k)
	w.Lock()
	defer w.Unlock()
	d.drop(k)
	if err := d.ch.SetTyping(ctx, k.user, k.conv, false); err != nil {
		log.Warn().Err(err).Str("user_id", k.user).Str("conversation_id", k.conv).Msg("typing flush")
	}
}

// Pending 返回当前待触发的清除定时器数量。
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.keys {
		if p.timer != nil {
			n++
		}
	}
	return n
}

// Stop 取消全部定时器，不写入存储。
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, p := range d.keys {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(d.keys, k)
	}
}
