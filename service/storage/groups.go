package storage

import (
	"context"
	"sort"
	"strconv"

	"PSync/module/update/group"
	"PSync/module/update/model"
	"PSync/tools/errs"

	"github.com/redis/go-redis/v9"
)

// key 布局：
//   psync:bucket:<type>:<id>:members  SET  成员 uid
//   psync:bucket:chat:<id>:dm         HASH uid -> 对方 uid
//   psync:user:<uid>:buckets          SET  "<type>:<id>"
func membersKey(k model.BucketKey) string { return "psync:bucket:" + k.String() + ":members" }
func dmKey(chatID int64) string          { return "psync:bucket:chat:" + strconv.FormatInt(chatID, 10) + ":dm" }
func userBucketsKey(uid int64) string    { return "psync:user:" + strconv.FormatInt(uid, 10) + ":buckets" }

// RedisGroups 多节点共享的更新组解析
type RedisGroups struct {
	rdb *redis.Client
}

var (
	_ group.Resolver   = (*RedisGroups)(nil)
	_ group.Membership = (*RedisGroups)(nil)
)

func NewRedisGroups(rdb *redis.Client) *RedisGroups {
	return &RedisGroups{rdb: rdb}
}

func (g *RedisGroups) Join(ctx context.Context, key model.BucketKey, userIDs ...int64) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := g.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, uid := range userIDs {
			pipe.SAdd(ctx, membersKey(key), uid)
			pipe.SAdd(ctx, userBucketsKey(uid), key.String())
		}
		return nil
	})
	return errs.Wrap(err)
}

func (g *RedisGroups) Leave(ctx context.Context, key model.BucketKey, userID int64) error {
	_, err := g.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, membersKey(key), userID)
		pipe.SRem(ctx, userBucketsKey(userID), key.String())
		if key.Type == model.BucketChat {
			pipe.HDel(ctx, dmKey(key.EntityID), strconv.FormatInt(userID, 10))
		}
		return nil
	})
	return errs.Wrap(err)
}

// LinkDM 私聊：双方成员 + 互为 peer
func (g *RedisGroups) LinkDM(ctx context.Context, chatID, a, b int64) error {
	key := model.ChatBucket(chatID)
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := g.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, membersKey(key), a, b)
		pipe.SAdd(ctx, userBucketsKey(a), key.String())
		pipe.SAdd(ctx, userBucketsKey(b), key.String())
		pipe.HSet(ctx, dmKey(chatID), strconv.FormatInt(a, 10), b, strconv.FormatInt(b, 10), a)
		return nil
	})
	return errs.Wrap(err)
}

func (g *RedisGroups) Recipients(ctx context.Context, key model.BucketKey) ([]model.Recipient, error) {
	if key.Type == model.BucketUser {
		return []model.Recipient{{UserID: key.EntityID, Peer: model.DefaultPeer(key)}}, nil
	}
	var (
		membersCmd *redis.StringSliceCmd
		dmCmd      *redis.MapStringStringCmd
	)
	_, err := g.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		membersCmd = pipe.SMembers(ctx, membersKey(key))
		if key.Type == model.BucketChat {
			dmCmd = pipe.HGetAll(ctx, dmKey(key.EntityID))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, errs.WrapMsg(err, "load recipients", "bucket", key)
	}
	var peers map[string]string
	if dmCmd != nil {
		peers = dmCmd.Val()
	}

	members := membersCmd.Val()
	out := make([]model.Recipient, 0, len(members))
	for _, m := range members {
		uid, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		peer := model.DefaultPeer(key)
		if other, ok := peers[m]; ok {
			if oid, err := strconv.ParseInt(other, 10, 64); err == nil {
				peer = model.PeerRef{Kind: model.PeerUser, ID: oid}
			}
		}
		out = append(out, model.Recipient{UserID: uid, Peer: peer})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (g *RedisGroups) BucketsOf(ctx context.Context, userID int64) ([]model.BucketKey, error) {
	raw, err := g.rdb.SMembers(ctx, userBucketsKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return nil, errs.WrapMsg(err, "load buckets", "user", userID)
	}
	out := make([]model.BucketKey, 0, len(raw))
	for _, s := range raw {
		k, err := model.ParseBucketKey(s)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}
