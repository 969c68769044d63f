// Package storage 基于 Redis 的跨节点共享状态：在线路由与更新组成员。
package storage

import (
	"context"
	"strconv"
	"time"

	"PSync/tools/errs"

	"github.com/redis/go-redis/v9"
)

// presence key: psync:presence:<user>
// HASH field = connID, value = nodeID；整体 TTL 表示在线有效期
func presenceKey(userID int64) string { return "psync:presence:" + strconv.FormatInt(userID, 10) }

// 原子写入连接并续期
// KEYS[1] = presence key
// ARGV[1] = connID, ARGV[2] = nodeID, ARGV[3] = ttl ms
const luaOnline = `
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
local cur = redis.call("PTTL", KEYS[1])
local ttl = tonumber(ARGV[3])
if cur < ttl then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return 1
`

// Presence 用户 -> 所在网关节点
type Presence struct {
	rdb    *redis.Client
	online *redis.Script
}

func NewPresence(rdb *redis.Client) *Presence {
	return &Presence{rdb: rdb, online: redis.NewScript(luaOnline)}
}

// Online 登记一条连接；同一用户多条连接共用一个 key，TTL 取较大者
func (p *Presence) Online(ctx context.Context, userID int64, nodeID, connID string, ttl time.Duration) error {
	if userID <= 0 || nodeID == "" || connID == "" {
		return errs.ErrBadRequest.WrapMsg("presence online: bad args", "user", userID, "node", nodeID, "conn", connID)
	}
	err := p.online.Run(ctx, p.rdb, []string{presenceKey(userID)}, connID, nodeID, ttl.Milliseconds()).Err()
	if err != nil {
		return errs.WrapMsg(err, "presence online", "user", userID)
	}
	return nil
}

// Offline 移除一条连接
func (p *Presence) Offline(ctx context.Context, userID int64, connID string) error {
	if err := p.rdb.HDel(ctx, presenceKey(userID), connID).Err(); err != nil {
		return errs.WrapMsg(err, "presence offline", "user", userID)
	}
	return nil
}

// Refresh 心跳续期
func (p *Presence) Refresh(ctx context.Context, userID int64, ttl time.Duration) error {
	if err := p.rdb.PExpire(ctx, presenceKey(userID), ttl).Err(); err != nil {
		return errs.WrapMsg(err, "presence refresh", "user", userID)
	}
	return nil
}

// NodesFor 批量查询用户所在节点：node -> users（去重）
func (p *Presence) NodesFor(ctx context.Context, userIDs []int64) (map[string][]int64, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	pipe := p.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, uid := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, presenceKey(uid))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errs.WrapMsg(err, "presence lookup")
	}

	out := make(map[string][]int64)
	for i, cmd := range cmds {
		conns, err := cmd.Result()
		if err != nil {
			continue
		}
		seen := make(map[string]struct{}, len(conns))
		for _, node := range conns {
			if _, dup := seen[node]; dup {
				continue
			}
			seen[node] = struct{}{}
			out[node] = append(out[node], userIDs[i])
		}
	}
	return out, nil
}
