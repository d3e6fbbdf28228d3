// Package memstore 实现进程内存储，STORE_BACKEND=memory 时使用，也是各层测试的默认后端。
package memstore

import "github.com/RishabhIDS/d8-byte-app/internal/store"

var (
	_ store.MessageLog   = (*Messages)(nil)
	_ store.SummaryStore = (*Summaries)(nil)
	_ store.ProfileStore = (*Profiles)(nil)
	_ store.MatchStore   = (*Matches)(nil)
)
