package chatview

import (
	"sort"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/dustin/go-humanize"
)

const (
	LabelToday     = "Today"
	LabelYesterday = "Yesterday"
	StatusTyping   = "Typing…"
	StatusOnline   = "Online"
	StatusOffline  = "Offline"
)

// Line 是详情页中的一条消息及其显示时间。
type Line struct {
	models.Message
	Time string `json:"time"`
}

// DayGroup 是同一自然日内的消息。
type DayGroup struct {
	Label    string    `json:"label"`
	Date     time.Time `json:"date"`
	Messages []Line    `json:"messages"`
}

// GroupByDay 按 now 所在时区的自然日分组，组内与组间均按会话顺序升序。
func GroupByDay(msgs []models.Message, now time.Time) []DayGroup {
	sorted := make([]models.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	loc := now.Location()
	var groups []DayGroup
	for _, m := range sorted {
		local := m.SentAt.In(loc)
		day := startOfDay(local)
		if n := len(groups); n == 0 || !groups[n-1].Date.Equal(day) {
			groups = append(groups, DayGroup{Label: DayLabel(day, now), Date: day})
		}
		g := &groups[len(groups)-1]
		g.Messages = append(g.Messages, Line{Message: m, Time: MessageTime(local)})
	}
	return groups
}

// DayLabel 返回 Today、Yesterday 或形如 "Monday, Jan 2" 的日期。
func DayLabel(t, now time.Time) string {
	day := startOfDay(t.In(now.Location()))
	today := startOfDay(now)
	switch {
	case day.Equal(today):
		return LabelToday
	case day.Equal(today.AddDate(0, 0, -1)):
		return LabelYesterday
	default:
		return day.Format("Monday, Jan 2")
	}
}

func MessageTime(t time.Time) string { return t.Format("15:04") }

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// HeaderStatus 计算对方状态栏：正在输入优先于在线，否则显示最后在线时间。
func HeaderStatus(typing bool, p models.PresenceState, now time.Time) string {
	switch {
	case typing:
		return StatusTyping
	case p.Online():
		return StatusOnline
	case p.LastChangedAt.IsZero():
		return StatusOffline
	}
	then := p.LastChangedAt
	if then.After(now) {
		then = now
	}
	return "Last seen " + humanize.RelTime(then, now, "ago", "from now")
}
