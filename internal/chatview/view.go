package chatview

import (
	"context"
	"sync"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/chatid"
	"github.com/RishabhIDS/d8-byte-app/internal/metrics"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/presence"
	"github.com/RishabhIDS/d8-byte-app/internal/service"
	"github.com/RishabhIDS/d8-byte-app/internal/store"
	"github.com/RishabhIDS/d8-byte-app/internal/typing"
	"github.com/rs/zerolog/log"
)

const markSeenTimeout = 5 * time.Second

// Snapshot 是聊天详情页某一时刻的完整状态。
type Snapshot struct {
	Peer           models.User          `json:"peer"`
	ConversationID string               `json:"conversation_id"`
	Header         string               `json:"header"`
	Typing         bool                 `json:"typing"`
	Presence       models.PresenceState `json:"presence"`
	Groups         []DayGroup           `json:"groups"`
	ScrollToEnd    bool                 `json:"scroll_to_end"`
	CanChat        bool                 `json:"can_chat"`
}

// Opener 打开聊天详情页。
type Opener struct {
	messages *service.MessageService
	profiles *service.ProfileService
	typing   *typing.Channel
	presence *presence.Tracker
	matches  *service.MatchService
	now      func() time.Time
}

func NewOpener(messages *service.MessageService, profiles *service.ProfileService, tc *typing.Channel, tracker *presence.Tracker, matches *service.MatchService) *Opener {
	return &Opener{
		messages: messages,
		profiles: profiles,
		typing:   tc,
		presence: tracker,
		matches:  matches,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 替换时间源，测试用。
func (o *Opener) SetClock(now func() time.Time) { o.now = now }

func (o *Opener) canChat(ctx context.Context, viewerID, peerID string) bool {
	ok, err := o.matches.CanChat(ctx, viewerID, peerID)
	if err != nil {
		log.Warn().Err(err).Str("viewer_id", viewerID).Str("peer_id", peerID).Msg("chat gate")
	}
	return ok
}

// Snapshot 一次性读取详情页状态，并把对方发来的消息标记为已读。
func (o *Opener) Snapshot(ctx context.Context, viewerID, peerID string) (Snapshot, error) {
	convID, err := chatid.Resolve(viewerID, peerID)
	if err != nil {
		return Snapshot{}, err
	}
	peer, err := o.profiles.Get(ctx, peerID)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := o.messages.MarkSeen(ctx, viewerID, peerID); err != nil {
		log.Warn().Err(err).Str("conversation_id", convID).Msg("mark seen")
	}
	msgs, err := o.messages.History(ctx, viewerID, peerID)
	if err != nil {
		return Snapshot{}, err
	}
	isTyping, err := o.typing.Get(ctx, peerID, convID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", convID).Msg("typing get")
	}
	st, err := o.presence.Get(ctx, peerID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", peerID).Msg("presence get")
		st = models.PresenceState{UserID: peerID, State: models.StateOffline}
	}
	now := o.now()
	return Snapshot{
		Peer:           peer,
		ConversationID: convID,
		Header:         HeaderStatus(isTyping, st, now),
		Typing:         isTyping,
		Presence:       st,
		Groups:         GroupByDay(msgs, now),
		ScrollToEnd:    true,
		CanChat:        o.canChat(ctx, viewerID, peerID),
	}, nil
}

// Detail 是一个打开中的聊天详情页，持有消息、对方输入状态和对方在线状态三个订阅。
type Detail struct {
	o      *Opener
	viewer string
	peer   models.User
	convID string

	messages *store.Subscription[models.MessageEvent]
	typing   *store.Subscription[bool]
	presence *store.Subscription[models.PresenceState]
	out      *store.Feed[Snapshot]

	cancel  context.CancelFunc
	running bool
	done    chan struct{}
	once    sync.Once
	untrack func()
}

// Open 打开与 peerID 的会话详情。对方资料不存在时返回 NotFound，调用方应放弃导航。
func (o *Opener) Open(ctx context.Context, viewerID, peerID string) (*Detail, error) {
	convID, err := chatid.Resolve(viewerID, peerID)
	if err != nil {
		return nil, err
	}
	peer, err := o.profiles.Get(ctx, peerID)
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithCancel(ctx)
	d := &Detail{
		o:       o,
		viewer:  viewerID,
		peer:    peer,
		convID:  convID,
		out:     store.NewFeed[Snapshot](),
		cancel:  cancel,
		done:    make(chan struct{}),
		untrack: metrics.TrackSubscription("chat_detail"),
	}
	if d.messages, err = o.messages.Subscribe(lctx, viewerID, peerID); err != nil {
		d.Close()
		return nil, err
	}
	if d.typing, err = o.typing.Subscribe(lctx, peerID, convID); err != nil {
		d.Close()
		return nil, err
	}
	if d.presence, err = o.presence.Subscribe(lctx, peerID); err != nil {
		d.Close()
		return nil, err
	}
	canChat := o.canChat(ctx, viewerID, peerID)
	d.running = true
	go d.run(lctx, canChat)
	context.AfterFunc(ctx, d.Close)
	return d, nil
}

func (d *Detail) ConversationID() string { return d.convID }
func (d *Detail) Peer() models.User      { return d.peer }

// Updates 按顺序推送快照，Close 后关闭。
func (d *Detail) Updates() <-chan Snapshot { return d.out.C() }

// Close 释放全部订阅并等待事件循环退出，可重复调用。
func (d *Detail) Close() {
	d.once.Do(func() {
		d.cancel()
		if d.messages != nil {
			d.messages.Close()
		}
		if d.typing != nil {
			d.typing.Close()
		}
		if d.presence != nil {
			d.presence.Close()
		}
		if d.running {
			<-d.done
		}
		d.out.Close()
		d.untrack()
	})
}

type viewState struct {
	msgs     []models.Message
	index    map[string]int
	typing   bool
	presence models.PresenceState
	canChat  bool
}

func (s *viewState) apply(ev models.MessageEvent) {
	if i, ok := s.index[ev.Message.ID]; ok {
		s.msgs[i] = ev.Message
		return
	}
	s.index[ev.Message.ID] = len(s.msgs)
	s.msgs = append(s.msgs, ev.Message)
}

func (d *Detail) run(ctx context.Context, canChat bool) {
	defer close(d.done)
	st := &viewState{
		index:    make(map[string]int),
		presence: models.PresenceState{UserID: d.peer.ID, State: models.StateOffline},
		canChat:  canChat,
	}
	msgC, typingC, presenceC := d.messages.C(), d.typing.C(), d.presence.C()
	for msgC != nil || typingC != nil || presenceC != nil {
		scroll := false
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-msgC:
			if !ok {
				msgC = nil
				continue
			}
			added, unseen := d.take(st, ev)
			// 合并已就绪的消息事件，避免历史重放时逐条推送。
		drain:
			for {
				select {
				case ev, ok := <-msgC:
					if !ok {
						msgC = nil
						break drain
					}
					a, u := d.take(st, ev)
					added, unseen = added || a, unseen || u
				default:
					break drain
				}
			}
			if unseen {
				d.markSeen(ctx)
			}
			scroll = added
		case v, ok := <-typingC:
			if !ok {
				typingC = nil
				continue
			}
			st.typing = v
		case p, ok := <-presenceC:
			if !ok {
				presenceC = nil
				continue
			}
			st.presence = p
		}
		d.emit(st, scroll)
	}
}

// take 应用一条消息事件，返回是否为新消息以及是否需要为读者标记已读。
func (d *Detail) take(st *viewState, ev models.MessageEvent) (added, unseen bool) {
	_, known := st.index[ev.Message.ID]
	st.apply(ev)
	added = !known && ev.Kind == models.EventAdded
	return added, added && ev.Message.SenderID == d.peer.ID && !ev.Message.Seen
}

func (d *Detail) markSeen(ctx context.Context) {
	mctx, cancel := context.WithTimeout(ctx, markSeenTimeout)
	defer cancel()
	if _, err := d.o.messages.MarkSeen(mctx, d.viewer, d.peer.ID); err != nil {
		log.Warn().Err(err).Str("conversation_id", d.convID).Msg("mark seen")
	}
}

func (d *Detail) emit(st *viewState, scroll bool) {
	now := d.o.now()
	msgs := make([]models.Message, len(st.msgs))
	copy(msgs, st.msgs)
	d.out.Push(Snapshot{
		Peer:           d.peer,
		ConversationID: d.convID,
		Header:         HeaderStatus(st.typing, st.presence, now),
		Typing:         st.typing,
		Presence:       st.presence,
		Groups:         GroupByDay(msgs, now),
		ScrollToEnd:    scroll,
		CanChat:        st.canChat,
	})
}
