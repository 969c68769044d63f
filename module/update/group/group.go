// Package group 更新组解析：一个 bucket 的更新该推给谁，以及一个用户关心哪些 bucket。
package group

import (
	"context"
	"sort"
	"sync"

	"PSync/module/update/model"
)

type Resolver interface {
	// Recipients bucket 的接收者及各自视角（私聊里对方不同）
	Recipients(ctx context.Context, key model.BucketKey) ([]model.Recipient, error)
	// BucketsOf 用户参与的全部 bucket，不含其自身的 user bucket
	BucketsOf(ctx context.Context, userID int64) ([]model.BucketKey, error)
}

// Membership 可写的成员关系；storage.RedisGroups 直接实现，Static 经 Members() 适配
type Membership interface {
	Join(ctx context.Context, key model.BucketKey, userIDs ...int64) error
	Leave(ctx context.Context, key model.BucketKey, userID int64) error
}

// Contains 判断 userID 是否在接收者中，返回其视角
func Contains(rs []model.Recipient, userID int64) (model.PeerRef, bool) {
	for _, r := range rs {
		if r.UserID == userID {
			return r.Peer, true
		}
	}
	return model.PeerRef{}, false
}

// Static 内存实现，测试与单机开发模式使用
type Static struct {
	mu      sync.RWMutex
	members map[model.BucketKey]map[int64]struct{}
	dm      map[int64]map[int64]int64 // chatID -> user -> peer user
}

var _ Resolver = (*Static)(nil)

func NewStatic() *Static {
	return &Static{
		members: make(map[model.BucketKey]map[int64]struct{}),
		dm:      make(map[int64]map[int64]int64),
	}
}

func (s *Static) Join(key model.BucketKey, userIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[key]
	if !ok {
		set = make(map[int64]struct{})
		s.members[key] = set
	}
	for _, uid := range userIDs {
		set[uid] = struct{}{}
	}
}

func (s *Static) Leave(key model.BucketKey, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[key], userID)
}

// LinkDM 私聊会话：双方互为 peer
func (s *Static) LinkDM(chatID, a, b int64) {
	s.Join(model.ChatBucket(chatID), a, b)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dm[chatID] = map[int64]int64{a: b, b: a}
}

func (s *Static) Recipients(_ context.Context, key model.BucketKey) ([]model.Recipient, error) {
	if key.Type == model.BucketUser {
		return []model.Recipient{{UserID: key.EntityID, Peer: model.DefaultPeer(key)}}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.members[key]
	out := make([]model.Recipient, 0, len(set))
	peers := s.dm[key.EntityID]
	for uid := range set {
		peer := model.DefaultPeer(key)
		if key.Type == model.BucketChat && peers != nil {
			if other, ok := peers[uid]; ok {
				peer = model.PeerRef{Kind: model.PeerUser, ID: other}
			}
		}
		out = append(out, model.Recipient{UserID: uid, Peer: peer})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Static) BucketsOf(_ context.Context, userID int64) ([]model.BucketKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.BucketKey
	for key, set := range s.members {
		if _, ok := set[userID]; ok {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

// Members Static 的 Membership 视图
func (s *Static) Members() Membership { return staticMembers{s} }

type staticMembers struct{ s *Static }

func (m staticMembers) Join(_ context.Context, key model.BucketKey, userIDs ...int64) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.s.Join(key, userIDs...)
	return nil
}

func (m staticMembers) Leave(_ context.Context, key model.BucketKey, userID int64) error {
	m.s.Leave(key, userID)
	return nil
}
