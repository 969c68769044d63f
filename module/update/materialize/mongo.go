package materialize

import (
	"context"

	"PSync/logger"
	"PSync/module/update/model"
	"PSync/tools/codec"
	"PSync/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const MessagesCollection = "messages"

// MessageDoc messages 集合文档
type MessageDoc struct {
	ID       int64  `bson:"_id" cbor:"id"`
	ChatID   int64  `bson:"chat_id" cbor:"cid"`
	FromID   int64  `bson:"from_id" cbor:"from"`
	Text     string `bson:"text" cbor:"text"`
	DateMS   int64  `bson:"date_ms" cbor:"date"`
	EditedMS int64  `bson:"edited_ms,omitempty" cbor:"edited,omitempty"`
}

func (MessageDoc) GetTableName() string { return MessagesCollection }

// Mongo 从 messages 集合按 _id 批量加载；Mongo 暂不可用时降级为空载荷
type Mongo struct {
	db  func() (*mongo.Database, bool)
	log *zap.Logger
}

var _ Materializer = (*Mongo)(nil)

// NewMongo db 通常是 mgo.Manager.TryGetDB
func NewMongo(db func() (*mongo.Database, bool)) *Mongo {
	return &Mongo{db: db, log: logger.Named("materialize")}
}

func (m *Mongo) Inflate(ctx context.Context, _ int64, ups []model.Update) ([][]byte, error) {
	out := make([][]byte, len(ups))

	idx := make(map[int64][]int, len(ups))
	ids := make([]int64, 0, len(ups))
	for i, u := range ups {
		if mid, ok := MessageIDOf(u.Kind); ok {
			if _, seen := idx[mid]; !seen {
				ids = append(ids, mid)
			}
			idx[mid] = append(idx[mid], i)
		}
	}
	if len(ids) == 0 {
		return out, nil
	}

	db, ok := m.db()
	if !ok {
		m.log.Warn("mongo not ready, skip inflate", zap.Int("messages", len(ids)))
		return out, nil
	}

	cur, err := db.Collection(MessagesCollection).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, errs.WrapMsg(err, "find messages", "count", len(ids))
	}
	var docs []MessageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errs.WrapMsg(err, "decode messages")
	}

	for _, d := range docs {
		b, err := codec.Marshal(d)
		if err != nil {
			return nil, errs.WrapMsg(err, "encode message payload", "id", d.ID)
		}
		for _, i := range idx[d.ID] {
			out[i] = b
		}
	}
	return out, nil
}

// Put 写入/覆盖消息文档（写路径在事务提交后调用）
func (m *Mongo) Put(ctx context.Context, doc MessageDoc) error {
	db, ok := m.db()
	if !ok {
		return errs.ErrInternal.WrapMsg("mongo not ready")
	}
	_, err := db.Collection(MessagesCollection).ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return errs.WrapMsg(err, "upsert message", "id", doc.ID)
}

// Edit 更新正文与编辑时间；文档不存在时忽略（读路径会降级为空载荷）
func (m *Mongo) Edit(ctx context.Context, id int64, text string, editedMS int64) error {
	db, ok := m.db()
	if !ok {
		return errs.ErrInternal.WrapMsg("mongo not ready")
	}
	_, err := db.Collection(MessagesCollection).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"text": text, "edited_ms": editedMS}})
	return errs.WrapMsg(err, "edit message", "id", id)
}
